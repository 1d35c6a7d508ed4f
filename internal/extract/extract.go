// Package extract turns decoded alarm text into a models.Operation using a
// flat list of configured regular expressions.
//
// Patterns are written in .NET regular expression syntax, which is what the
// dispatch centres already maintain for their alarm layouts. Every compiled
// expression carries an explicit match timeout so a hostile message cannot
// stall the pipeline through catastrophic backtracking.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/dlclark/regexp2"

	"github.com/tracyhatemice/mailagent/internal/models"
)

// DefaultMatchTimeout bounds a single pattern evaluation.
const DefaultMatchTimeout = 2 * time.Second

// ErrMatchTimeout is returned when a pattern exceeds its match timeout.
var ErrMatchTimeout = errors.New("pattern match timed out")

// Patterns holds one expression per operation field. The first capture group
// of the first match is used; an empty pattern leaves the field empty.
type Patterns struct {
	Start         string
	Keyword       string
	Facts         string
	Street        string
	HouseNumber   string
	City          string
	District      string
	ZipCode       string
	Ric           string
	Longitude     string
	Latitude      string
	ReporterName  string
	ReporterPhone string
	Number        string
	Additional    []NamedPattern
}

// NamedPattern maps an expression onto an operation property.
type NamedPattern struct {
	Name    string
	Pattern string
}

// startLayouts are tried before falling back to dateparse. Alarm texts use
// German day-first dates, which dateparse would otherwise read month-first
// when the day is 12 or lower.
var startLayouts = []string{
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006, 15:04",
	"02.01.06 15:04:05",
	"02.01.06 15:04",
	"02.01.2006",
}

type compiled struct {
	field string
	re    *regexp2.Regexp
}

// Evaluator applies compiled patterns to alarm text. It is safe for
// concurrent use.
type Evaluator struct {
	start, keyword, facts       compiled
	street, houseNumber, city   compiled
	district, zipCode, ric      compiled
	longitude, latitude         compiled
	reporterName, reporterPhone compiled
	number                      compiled
	additional                  []compiled

	timeout time.Duration
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMatchTimeout overrides DefaultMatchTimeout.
func WithMatchTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// WithLocation sets the zone used for start times without an offset.
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) { e.loc = loc }
}

// WithClock replaces time.Now for the start-time fallback.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New compiles every pattern once. A pattern that does not compile is a
// configuration error.
func New(p Patterns, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		timeout: DefaultMatchTimeout,
		loc:     time.Local,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}

	var err error
	fields := []struct {
		dst     *compiled
		name    string
		pattern string
	}{
		{&e.start, "start", p.Start},
		{&e.keyword, "keyword", p.Keyword},
		{&e.facts, "facts", p.Facts},
		{&e.street, "street", p.Street},
		{&e.houseNumber, "house_number", p.HouseNumber},
		{&e.city, "city", p.City},
		{&e.district, "district", p.District},
		{&e.zipCode, "zip_code", p.ZipCode},
		{&e.ric, "ric", p.Ric},
		{&e.longitude, "longitude", p.Longitude},
		{&e.latitude, "latitude", p.Latitude},
		{&e.reporterName, "reporter_name", p.ReporterName},
		{&e.reporterPhone, "reporter_phone", p.ReporterPhone},
		{&e.number, "number", p.Number},
	}
	for _, f := range fields {
		if *f.dst, err = e.compile(f.name, f.pattern); err != nil {
			return nil, err
		}
	}
	for _, a := range p.Additional {
		if a.Name == "" {
			return nil, fmt.Errorf("additional pattern without name")
		}
		c, err := e.compile(a.Name, a.Pattern)
		if err != nil {
			return nil, err
		}
		e.additional = append(e.additional, c)
	}
	return e, nil
}

func (e *Evaluator) compile(field, pattern string) (compiled, error) {
	c := compiled{field: field}
	if pattern == "" {
		return c, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return c, fmt.Errorf("compile %s pattern: %w", field, err)
	}
	re.MatchTimeout = e.timeout
	c.re = re
	return c, nil
}

// Evaluate extracts an operation from text. Apart from the start-time
// fallback the result depends only on text and the configured patterns.
func (e *Evaluator) Evaluate(text string) (models.Operation, error) {
	e.logger.Debug("evaluating alarm text", "text", text)

	var err error
	get := func(c compiled) string {
		if err != nil {
			return ""
		}
		var v string
		v, err = c.first(text)
		return v
	}

	op := models.Operation{
		Keyword: get(e.keyword),
		Facts:   get(e.facts),
		Address: models.Address{
			Street:      get(e.street),
			HouseNumber: get(e.houseNumber),
			ZipCode:     get(e.zipCode),
			City:        get(e.city),
			District:    get(e.district),
		},
		Number:     get(e.number),
		Source:     models.DefaultSource,
		Properties: []models.Property{},
	}
	start := get(e.start)
	longitude, latitude := get(e.longitude), get(e.latitude)
	reporterName, reporterPhone := get(e.reporterName), get(e.reporterPhone)
	for _, c := range e.additional {
		if v := get(c); v != "" {
			op.Properties = append(op.Properties, models.Property{Key: c.field, Value: v})
		}
	}
	if err != nil {
		return models.Operation{}, err
	}

	ric, err := e.ric.all(text)
	if err != nil {
		return models.Operation{}, err
	}
	op.Ric = strings.Join(ric, "; ")
	op.Start = e.parseStart(start)

	lon, lonOK := parseCoordinate(longitude)
	lat, latOK := parseCoordinate(latitude)
	if lonOK && latOK {
		op.Position = &models.Position{Latitude: lat, Longitude: lon}
	}
	if reporterName != "" || reporterPhone != "" {
		op.Reporter = &models.Reporter{Name: reporterName, Phone: reporterPhone}
	}

	e.logger.Debug("evaluated operation",
		"keyword", op.Keyword,
		"number", op.Number,
		"ric", op.Ric,
		"properties", len(op.Properties),
	)
	return op, nil
}

func (c compiled) first(text string) (string, error) {
	if c.re == nil {
		return "", nil
	}
	m, err := c.re.FindStringMatch(text)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", c.field, ErrMatchTimeout, err)
	}
	return group1(m), nil
}

func (c compiled) all(text string) ([]string, error) {
	if c.re == nil {
		return nil, nil
	}
	var out []string
	m, err := c.re.FindStringMatch(text)
	for m != nil && err == nil {
		if v := group1(m); v != "" {
			out = append(out, v)
		}
		m, err = c.re.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.field, ErrMatchTimeout, err)
	}
	return out, nil
}

func group1(m *regexp2.Match) string {
	if m == nil {
		return ""
	}
	g := m.GroupByNumber(1)
	if g == nil {
		return ""
	}
	return strings.TrimSpace(g.String())
}

// parseCoordinate accepts both "52.1234" and "52,1234". Either character is
// the decimal mark, so a value with grouping separators does not parse.
func parseCoordinate(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (e *Evaluator) parseStart(s string) time.Time {
	if s == "" {
		return e.now()
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, e.loc); err == nil {
			return t
		}
	}
	if t, err := dateparse.ParseIn(s, e.loc, dateparse.PreferMonthFirst(false)); err == nil {
		return t
	}
	e.logger.Debug("unparseable start time, using now", "start", s)
	return e.now()
}
