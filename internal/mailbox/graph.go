package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultGraphBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphSession reads an Exchange Online inbox through the Microsoft Graph
// REST API. It only accepts bearer credentials.
type GraphSession struct {
	baseURL string
	base    *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	client *http.Client
	user   string
}

// NewGraph creates a disconnected Graph session. A nil base client uses
// http.DefaultClient for transport.
func NewGraph(baseURL string, base *http.Client, logger *slog.Logger) *GraphSession {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	return &GraphSession{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    base,
		logger:  logger,
	}
}

func (s *GraphSession) Connect(ctx context.Context, creds Credentials) error {
	if !creds.Bearer {
		return fmt.Errorf("graph %s: only token authentication is supported", creds.Username)
	}

	// Bind the token to a client of its own; the base client's timeout and
	// transport are kept.
	octx := context.WithValue(context.Background(), oauth2.HTTPClient, s.base)
	client := oauth2.NewClient(octx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.Secret,
		TokenType:   "Bearer",
	}))
	client.Timeout = s.base.Timeout

	u := s.baseURL + "/users/" + url.PathEscape(creds.Username) + "/mailFolders/inbox?$select=id"
	resp, err := s.do(ctx, client, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("graph connect %s: %w", creds.Username, err)
	}
	resp.Body.Close()

	s.mu.Lock()
	s.client = client
	s.user = creds.Username
	s.mu.Unlock()
	s.logger.Debug("graph connected", "user", creds.Username)
	return nil
}

func (s *GraphSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	return nil
}

type graphMessage struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	SentDateTime time.Time `json:"sentDateTime"`
	From         struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

type graphPage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

func (s *GraphSession) ListUnseen(ctx context.Context) ([]Message, error) {
	client, user, err := s.current()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$select", "id,subject,from,sentDateTime")
	q.Set("$top", "50")
	next := s.baseURL + "/users/" + url.PathEscape(user) + "/mailFolders/inbox/messages?" +
		strings.ReplaceAll(q.Encode(), "+", "%20")

	var msgs []Message
	for next != "" {
		resp, err := s.do(ctx, client, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("graph list: %w", err)
		}
		var page graphPage
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("graph list: decode: %w", err)
		}

		for _, gm := range page.Value {
			raw, err := s.mime(ctx, client, user, gm.ID)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{
				ID:      gm.ID,
				From:    formatAddress(gm.From.EmailAddress.Name, gm.From.EmailAddress.Address),
				Subject: gm.Subject,
				Date:    gm.SentDateTime,
				Raw:     raw,
			})
		}
		next = page.NextLink
	}
	return msgs, nil
}

func (s *GraphSession) mime(ctx context.Context, client *http.Client, user, id string) ([]byte, error) {
	u := s.baseURL + "/users/" + url.PathEscape(user) + "/messages/" + url.PathEscape(id) + "/$value"
	resp, err := s.do(ctx, client, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("graph fetch %s: %w", id, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph fetch %s: %w", id, err)
	}
	return raw, nil
}

func (s *GraphSession) MarkSeen(ctx context.Context, id string) error {
	client, user, err := s.current()
	if err != nil {
		return err
	}
	u := s.baseURL + "/users/" + url.PathEscape(user) + "/messages/" + url.PathEscape(id)
	resp, err := s.do(ctx, client, http.MethodPatch, u, []byte(`{"isRead":true}`))
	if err != nil {
		return fmt.Errorf("graph mark read %s: %w", id, err)
	}
	resp.Body.Close()
	return nil
}

func (s *GraphSession) current() (*http.Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, "", ErrNotConnected
	}
	return s.client, s.user, nil
}

// do issues a request and returns the response only for 2xx status codes.
func (s *GraphSession) do(ctx context.Context, client *http.Client, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}
