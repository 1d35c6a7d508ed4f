package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mailagent/internal/extract"
	"github.com/tracyhatemice/mailagent/internal/models"
	"github.com/tracyhatemice/mailagent/internal/poller"
	"github.com/tracyhatemice/mailagent/internal/processor"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level application configuration.
type Config struct {
	LogLevel                string    `yaml:"log_level"`
	LogFormat               string    `yaml:"log_format"` // "text" or "json"
	ProcessMode             string    `yaml:"process_mode"`
	PollIntervalSeconds     int       `yaml:"poll_interval_seconds"`
	SecretKeyring           string    `yaml:"secret_keyring"`
	SecretKeyPassphrase     string    `yaml:"secret_key_passphrase"`
	OutputPath              string    `yaml:"output_path"`
	IgnoreCertificateErrors bool      `yaml:"ignore_certificate_errors"`
	ArchiveDir              string    `yaml:"archive_dir"`
	Connect                 Connect   `yaml:"connect"`
	Heartbeat               Heartbeat `yaml:"heartbeat"`
	OAuth                   OAuth     `yaml:"oauth"`
	Redis                   Redis     `yaml:"redis"`
	Status                  Status    `yaml:"status"`
	Patterns                Patterns  `yaml:"patterns"`
	Mailboxes               []Mailbox `yaml:"mailboxes"`

	warnings []string
}

// Connect configures the operation API.
type Connect struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Heartbeat struct {
	URL             string `yaml:"url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// OAuth configures the Azure AD application used by oauth mailboxes.
type OAuth struct {
	ClientID        string `yaml:"client_id"`
	Tenant          string `yaml:"tenant"`
	TokenDir        string `yaml:"token_dir"`
	KeyringPassword string `yaml:"keyring_password"`
}

// Redis enables the operation journal when URL is set.
type Redis struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// Status enables the status HTTP server when Addr is set.
type Status struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Patterns are the extraction expressions, in .NET regex syntax.
type Patterns struct {
	Start          string         `yaml:"start"`
	Keyword        string         `yaml:"keyword"`
	Facts          string         `yaml:"facts"`
	Street         string         `yaml:"street"`
	HouseNumber    string         `yaml:"house_number"`
	City           string         `yaml:"city"`
	District       string         `yaml:"district"`
	ZipCode        string         `yaml:"zip_code"`
	Ric            string         `yaml:"ric"`
	Longitude      string         `yaml:"longitude"`
	Latitude       string         `yaml:"latitude"`
	ReporterName   string         `yaml:"reporter_name"`
	ReporterPhone  string         `yaml:"reporter_phone"`
	Number         string         `yaml:"number"`
	Additional     []NamedPattern `yaml:"additional"`
	MatchTimeoutMS int            `yaml:"match_timeout_ms"`
}

// NamedPattern is an additional pattern whose capture becomes a property.
type NamedPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Mailbox describes one monitored mailbox.
type Mailbox struct {
	Name          string `yaml:"name"`
	Protocol      string `yaml:"protocol"` // "imap", "pop3" or "graph"
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Auth          string `yaml:"auth"` // "basic" or "oauth"
	SubjectFilter string `yaml:"subject_filter"`
	SenderFilter  string `yaml:"sender_filter"`
	APIKey        string `yaml:"api_key"`
	Folder        string `yaml:"folder"`
	UseTLS        *bool  `yaml:"use_tls"`
}

// PollInterval returns the poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Mode returns the validated process mode.
func (c *Config) Mode() processor.Mode {
	m, _ := processor.ParseMode(c.ProcessMode)
	return m
}

// ConnectTimeout defaults to 30 seconds.
func (c *Config) ConnectTimeout() time.Duration {
	if c.Connect.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Connect.TimeoutSeconds) * time.Second
}

// HeartbeatEnabled reports whether both heartbeat URL and interval are set.
func (c *Config) HeartbeatEnabled() bool {
	return c.Heartbeat.URL != "" && c.Heartbeat.IntervalSeconds > 0
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// GetTokenDir returns the file keyring directory, defaulting to
// "~/.config/mailagent/tokens".
func (o *OAuth) GetTokenDir() string {
	if o.TokenDir == "" {
		return "~/.config/mailagent/tokens"
	}
	return o.TokenDir
}

// NeedsOAuth reports whether any mailbox authenticates with OAuth.
func (c *Config) NeedsOAuth() bool {
	for _, m := range c.Mailboxes {
		if m.GetAuth() == "oauth" {
			return true
		}
	}
	return false
}

// Extract converts the patterns for the extraction engine.
func (p *Patterns) Extract() extract.Patterns {
	out := extract.Patterns{
		Start:         p.Start,
		Keyword:       p.Keyword,
		Facts:         p.Facts,
		Street:        p.Street,
		HouseNumber:   p.HouseNumber,
		City:          p.City,
		District:      p.District,
		ZipCode:       p.ZipCode,
		Ric:           p.Ric,
		Longitude:     p.Longitude,
		Latitude:      p.Latitude,
		ReporterName:  p.ReporterName,
		ReporterPhone: p.ReporterPhone,
		Number:        p.Number,
	}
	for _, a := range p.Additional {
		out.Additional = append(out.Additional, extract.NamedPattern{Name: a.Name, Pattern: a.Pattern})
	}
	return out
}

func (p *Patterns) MatchTimeout() time.Duration {
	if p.MatchTimeoutMS <= 0 {
		return extract.DefaultMatchTimeout
	}
	return time.Duration(p.MatchTimeoutMS) * time.Millisecond
}

// GetProtocol defaults to "imap".
func (m *Mailbox) GetProtocol() string {
	if m.Protocol == "" {
		return "imap"
	}
	return strings.ToLower(m.Protocol)
}

// GetAuth defaults to "basic".
func (m *Mailbox) GetAuth() string {
	if m.Auth == "" {
		return "basic"
	}
	return strings.ToLower(m.Auth)
}

// GetPort returns the configured port or the protocol's TLS default.
func (m *Mailbox) GetPort() int {
	if m.Port != 0 {
		return m.Port
	}
	switch m.GetProtocol() {
	case "pop3":
		return 995
	case "graph":
		return 443
	default:
		return 993
	}
}

// TLS defaults to true.
func (m *Mailbox) TLS() bool {
	return m.UseTLS == nil || *m.UseTLS
}

// GetFolder returns the IMAP folder name, defaulting to "INBOX".
func (m *Mailbox) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

func (m *Mailbox) Site() models.Site {
	return models.Site{Name: m.Name, APIKey: m.APIKey}
}

// LogValue masks credentials.
func (m Mailbox) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", m.Name),
		slog.String("protocol", m.GetProtocol()),
		slog.String("host", m.Host),
		slog.Int("port", m.GetPort()),
		slog.String("username", MaskUsername(m.Username)),
		slog.String("auth", m.GetAuth()),
	)
}

// MaskUsername hides most of the local part of an address.
func MaskUsername(s string) string {
	if s == "" {
		return ""
	}
	local, domain, ok := strings.Cut(s, "@")
	if len(local) <= 2 {
		local = "***"
	} else {
		local = local[:2] + "***"
	}
	if !ok {
		return local
	}
	return local + "@" + domain
}

// Warnings returns the non-fatal issues found while loading.
func (c *Config) Warnings() []string {
	return c.warnings
}

// Load reads, expands and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses and validates configuration YAML. Environment variables are
// not expanded.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		ProcessMode:         string(processor.ModeText),
		PollIntervalSeconds: 5,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.warnings = cfg.check()

	for i := range cfg.Mailboxes {
		m := &cfg.Mailboxes[i]
		if m.Name == "" {
			m.Name = m.Username
		}
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("log_level must be debug, info, warn or error")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format must be text or json")
	}

	mode, err := processor.ParseMode(c.ProcessMode)
	if err != nil {
		add("process_mode: %v", err)
	}
	if c.PollInterval() < poller.MinPollInterval {
		add("poll_interval_seconds must be at least %d", int(poller.MinPollInterval/time.Second))
	}
	if mode != "" && mode.WritesFiles() && c.OutputPath == "" {
		add("output_path is required for process_mode %s", mode)
	}
	if mode != "" && mode.Decrypts() && c.SecretKeyring == "" {
		add("secret_keyring is required for process_mode %s", mode)
	}
	for i, a := range c.Patterns.Additional {
		if a.Name == "" {
			add("patterns.additional[%d]: name is required", i)
		}
	}

	if len(c.Mailboxes) == 0 {
		add("at least one mailbox is required")
	}
	names := make(map[string]bool)
	for i, m := range c.Mailboxes {
		label := m.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		} else if names[m.Name] {
			add("mailbox %s: duplicate name", label)
		}
		names[m.Name] = true

		proto := m.GetProtocol()
		auth := m.GetAuth()
		if proto != "imap" && proto != "pop3" && proto != "graph" {
			add("mailbox %s: protocol must be imap, pop3 or graph", label)
		}
		if auth != "basic" && auth != "oauth" {
			add("mailbox %s: auth must be basic or oauth", label)
		}
		if m.Host == "" && proto != "graph" {
			add("mailbox %s: host is required", label)
		}
		if m.Username == "" {
			add("mailbox %s: username is required", label)
		}
		if m.Port < 0 || m.Port > 65535 {
			add("mailbox %s: port %d must be between 1 and 65535", label, m.Port)
		}
		if auth == "basic" && m.Password == "" {
			add("mailbox %s: password is required for basic auth", label)
		}
		if proto == "graph" && auth != "oauth" {
			add("mailbox %s: graph mailboxes require auth oauth", label)
		}
	}
	if c.NeedsOAuth() && c.OAuth.ClientID == "" {
		add("oauth.client_id is required for oauth mailboxes")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) check() []string {
	var warnings []string
	mode := c.Mode()
	for i, m := range c.Mailboxes {
		label := m.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			warnings = append(warnings, fmt.Sprintf("mailbox %s has no name, using its username", label))
		}
		if m.GetAuth() == "oauth" && m.GetProtocol() != "graph" && !strings.Contains(strings.ToLower(m.Host), "outlook.office365.com") {
			warnings = append(warnings, fmt.Sprintf("mailbox %s: host %s is not outlook.office365.com, which is recommended for oauth", label, m.Host))
		}
		if m.GetProtocol() == "graph" && m.Port != 0 && m.Port != 443 {
			warnings = append(warnings, fmt.Sprintf("mailbox %s: graph is served on port 443, port %d is ignored", label, m.Port))
		}
		if !mode.WritesFiles() && strings.TrimSpace(m.APIKey) == "" {
			warnings = append(warnings, fmt.Sprintf("mailbox %s has no api_key, its operations will not be published", label))
		}
	}
	if c.NeedsOAuth() && c.OAuth.KeyringPassword == "" {
		warnings = append(warnings, "oauth.keyring_password is not set, tokens can only be stored in the OS keyring")
	}
	if c.Heartbeat.URL != "" && c.Heartbeat.IntervalSeconds <= 0 {
		warnings = append(warnings, "heartbeat.url is set without heartbeat.interval_seconds, heartbeats are disabled")
	}
	return warnings
}
