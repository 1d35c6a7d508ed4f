package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracyhatemice/mailagent/internal/archive"
	"github.com/tracyhatemice/mailagent/internal/auth"
	"github.com/tracyhatemice/mailagent/internal/config"
	"github.com/tracyhatemice/mailagent/internal/extract"
	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/pgp"
	"github.com/tracyhatemice/mailagent/internal/poller"
	"github.com/tracyhatemice/mailagent/internal/processor"
	"github.com/tracyhatemice/mailagent/internal/publish"
)

// tokenManagers holds one manager per token audience.
type tokenManagers struct {
	outlook *auth.Manager
	graph   *auth.Manager
}

func (t *tokenManagers) forProtocol(protocol string) *auth.Manager {
	if protocol == "graph" {
		return t.graph
	}
	return t.outlook
}

func newTokenManagers(cfg *config.Config, logger *slog.Logger) (*tokenManagers, error) {
	if !cfg.NeedsOAuth() {
		return nil, nil
	}
	ring, err := auth.OpenKeyring(cfg.OAuth.GetTokenDir(), cfg.OAuth.KeyringPassword)
	if err != nil {
		return nil, err
	}
	store := auth.NewTokenStore(ring)
	base := auth.Config{ClientID: cfg.OAuth.ClientID, Tenant: cfg.OAuth.Tenant}

	outlook, graph := base, base
	outlook.Scopes = auth.OutlookScopes
	graph.Scopes = auth.GraphScopes
	return &tokenManagers{
		outlook: auth.NewManager("outlook", outlook, store, logger),
		graph:   auth.NewManager("graph", graph, store, logger),
	}, nil
}

func newProcessor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (processor.Processor, error) {
	mode := cfg.Mode()
	deps := processor.Deps{
		OutputDir: cfg.OutputPath,
		Logger:    logger,
	}

	if mode.Decrypts() {
		dec, err := pgp.LoadKeyring(cfg.SecretKeyring, cfg.SecretKeyPassphrase, logger)
		if err != nil {
			return nil, err
		}
		deps.Decrypter = dec
	}

	if !mode.WritesFiles() {
		eval, err := extract.New(cfg.Patterns.Extract(),
			extract.WithMatchTimeout(cfg.Patterns.MatchTimeout()),
			extract.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("patterns: %w", err)
		}
		deps.Evaluator = eval

		pub, err := newPublisher(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.Publisher = pub
	}

	return processor.New(mode, deps)
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (publish.Publisher, error) {
	var pub publish.Publisher = publish.NewConnectClient(cfg.Connect.BaseURL, cfg.ConnectTimeout(), logger)
	if cfg.Redis.URL == "" {
		return pub, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	journal := publish.NewJournal(redis.NewClient(opts), cfg.Redis.Key)
	if err := journal.Ping(ctx); err != nil {
		logger.Warn("redis not reachable, journal writes will fail until it is", "error", err)
	} else {
		logger.Info("connected to redis", "addr", opts.Addr)
	}
	return publish.WithJournal(pub, journal, logger), nil
}

func newPollers(cfg *config.Config, tokens *tokenManagers, logger *slog.Logger) ([]*poller.Poller, error) {
	var pollers []*poller.Poller
	for _, m := range cfg.Mailboxes {
		session := newSession(m, cfg.IgnoreCertificateErrors, logger)
		p, err := poller.New(poller.Config{
			Name:          m.Name,
			Site:          m.Site(),
			SenderFilter:  m.SenderFilter,
			SubjectFilter: m.SubjectFilter,
			PollInterval:  cfg.PollInterval(),
		}, session, credentialsFunc(m, tokens), logger)
		if err != nil {
			return nil, err
		}
		logger.Info("configured mailbox", "mailbox", m)
		pollers = append(pollers, p)
	}
	return pollers, nil
}

func newSession(m config.Mailbox, insecure bool, logger *slog.Logger) mailbox.Session {
	switch m.GetProtocol() {
	case "pop3":
		return mailbox.NewPOP3(m.TLS(), insecure, logger)
	case "graph":
		base := &http.Client{Timeout: 30 * time.Second}
		if insecure {
			base.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		}
		return mailbox.NewGraph(mailbox.DefaultGraphBaseURL, base, logger)
	default:
		return mailbox.NewIMAP(mailbox.IMAPOptions{
			Folder:             m.GetFolder(),
			Plaintext:          !m.TLS(),
			InsecureSkipVerify: insecure,
		}, logger)
	}
}

// credentialsFunc fetches a fresh access token on every connect for oauth
// mailboxes.
func credentialsFunc(m config.Mailbox, tokens *tokenManagers) poller.CredentialsFunc {
	creds := mailbox.Credentials{
		Host:     m.Host,
		Port:     m.GetPort(),
		Username: m.Username,
		Secret:   m.Password,
	}
	if m.GetAuth() != "oauth" {
		return func(context.Context) (mailbox.Credentials, error) { return creds, nil }
	}
	mgr := tokens.forProtocol(m.GetProtocol())
	return func(ctx context.Context) (mailbox.Credentials, error) {
		tok, err := mgr.Token(ctx, m.Username)
		if err != nil {
			return mailbox.Credentials{}, err
		}
		c := creds
		c.Secret = tok
		c.Bearer = true
		return c, nil
	}
}

func newArchive(dir string) *archive.Archive {
	return archive.New(dir)
}
