// Package statusdoc serves a human-readable status page describing the
// broker's live component table: every registered component, its
// class, kind, and running state, rendered from a markdown report
// through goldmark into HTML. It is not a bus component itself — it
// reads the Broker directly, the same way an operator would call
// ListComponents/GetComponentInfo from a shell.
package statusdoc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/carlosmesquita/cmevents-go/internal/broker"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// Server serves the status page over cleartext HTTP/2 (h2c).
type Server struct {
	b      *broker.Broker
	cfg    config.StatusConfig
	server *http.Server
	start  time.Time
}

// New builds a Server bound to b. It does not listen until Start runs.
func New(b *broker.Broker, cfg config.StatusConfig) *Server {
	return &Server{b: b, cfg: cfg, start: time.Now()}
}

// Start begins listening. It returns once ListenAndServe returns,
// typically after Shutdown is called from another goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)

	h2s := &http2.Server{}
	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", addr, s.cfg.Port),
		Handler:      h2c.NewHandler(mux, h2s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	md := s.report()

	var html strings.Builder
	if err := goldmark.Convert([]byte(md), &html); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>cmevents status</title></head><body>%s</body></html>", html.String())
}

// report renders the broker's current component table as markdown.
func (s *Server) report() string {
	var sb strings.Builder
	sb.WriteString("# cmevents status\n\n")
	fmt.Fprintf(&sb, "Uptime: %s\n\n", humanize.Time(s.start))
	fmt.Fprintf(&sb, "Running: %v\n\n", s.b.IsRunning())
	fmt.Fprintf(&sb, "Pending events: %d\n\n", s.b.PendingEvents())

	sb.WriteString("## Components\n\n")
	sb.WriteString("| ID | Class | Kind | Running |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, id := range s.b.ListComponents() {
		info, ok := s.b.GetComponentInfo(id)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %v |\n", info.ID, info.Class, info.Kind, info.Running)
	}

	sb.WriteString("\n## Event types\n\n")
	for _, tag := range s.b.ListEventTypes() {
		fmt.Fprintf(&sb, "- `%s` (%d subscribers)\n", tag, s.b.GetSubscriberCount(tag))
	}

	return sb.String()
}
