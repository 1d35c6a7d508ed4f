// Package status serves a small read-only HTTP API with the health of the
// agent and the state of every mailbox.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/tracyhatemice/mailagent/internal/agent"
	"github.com/tracyhatemice/mailagent/internal/poller"
)

// Mailbox reports the current state of one poller.
type Mailbox interface {
	Status() poller.Status
}

// Stats reports the processing counters of the agent.
type Stats interface {
	Stats() agent.Stats
}

// Handler serves the status endpoints.
type Handler struct {
	mailboxes []Mailbox
	stats     Stats
}

func New(mailboxes []Mailbox, stats Stats) *Handler {
	return &Handler{mailboxes: mailboxes, stats: stats}
}

// Router builds the HTTP routes. With corsOrigins set, browsers on those
// origins may read the API.
func (h *Handler) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet},
		})
		r.Use(c.Handler)
	}

	r.Get("/healthz", h.health)
	r.Get("/mailboxes", h.listMailboxes)
	r.Get("/mailboxes/{name}", h.getMailbox)
	return r
}

type healthResponse struct {
	Status    string      `json:"status"`
	Mailboxes int         `json:"mailboxes"`
	Connected int         `json:"connected"`
	Stats     agent.Stats `json:"stats"`
}

// health answers 503 when every mailbox is down.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Mailboxes: len(h.mailboxes)}
	for _, m := range h.mailboxes {
		switch m.Status().State {
		case poller.StateFailed.String(), poller.StateDisconnected.String():
		default:
			resp.Connected++
		}
	}
	if h.stats != nil {
		resp.Stats = h.stats.Stats()
	}
	code := http.StatusOK
	if resp.Mailboxes > 0 && resp.Connected == 0 {
		resp.Status = "down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) listMailboxes(w http.ResponseWriter, r *http.Request) {
	out := make([]poller.Status, 0, len(h.mailboxes))
	for _, m := range h.mailboxes {
		out = append(out, m.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getMailbox(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, m := range h.mailboxes {
		if st := m.Status(); st.Mailbox == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "mailbox not found"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Serve runs the server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
