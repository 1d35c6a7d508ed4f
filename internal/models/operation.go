// Package models holds the records that travel between the pollers, the
// processors and the Connect API.
package models

import (
	"log/slog"
	"time"
)

// DefaultSource tags every operation created by this agent.
const DefaultSource = "MailAgent"

// Operation is the structured incident record extracted from one alarm message.
type Operation struct {
	Start      time.Time  `json:"start"`
	Keyword    string     `json:"keyword"`
	Address    Address    `json:"address"`
	Position   *Position  `json:"position,omitempty"`
	Reporter   *Reporter  `json:"reporter,omitempty"`
	Facts      string     `json:"facts"`
	Ric        string     `json:"ric"`
	Number     string     `json:"number"`
	Source     string     `json:"source"`
	Properties []Property `json:"properties"`
}

// Address is always present on an operation; unmatched fields stay empty.
type Address struct {
	Street      string `json:"street"`
	HouseNumber string `json:"houseNumber"`
	ZipCode     string `json:"zipCode"`
	City        string `json:"city"`
	District    string `json:"district"`
}

// Position is only set when both coordinates parsed to finite numbers.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reporter is the caller who reported the operation.
type Reporter struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Property is an organization-specific key/value pair.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Site is the downstream publish identity of one mailbox.
type Site struct {
	Name   string
	APIKey string
}

// LogValue keeps the API key out of log output.
func (s Site) LogValue() slog.Value {
	key := "<none>"
	if s.APIKey != "" {
		key = "***"
	}
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.String("api_key", key),
	)
}
