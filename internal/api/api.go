// Package api provides the HTTP server for OrderPipe.
//
// It receives WhatsApp Cloud API and Twilio webhooks, serves the synchronous web chat,
// exposes the operator endpoints used to follow conversations and orders, and serves
// inline flow media.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/conversation"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/settings"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Opts holds optional parts of a Server.
type Opts struct {
	Addr     string
	CloudAPI *messaging.CloudAPIService
	Twilio   *messaging.TwilioService
}

// Option mutates Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCloudAPI enables the Meta webhook.
func WithCloudAPI(svc *messaging.CloudAPIService) Option {
	return func(o *Opts) { o.CloudAPI = svc }
}

// WithTwilio enables the Twilio webhook.
func WithTwilio(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// Server wires HTTP routes to the conversation processor and the store.
type Server struct {
	proc     *conversation.Processor
	st       store.Store
	settings *settings.Provider
	cloud    *messaging.CloudAPIService
	twilio   *messaging.TwilioService
	addr     string
	mux      *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(proc *conversation.Processor, st store.Store, provider *settings.Provider, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		proc:     proc,
		st:       st,
		settings: provider,
		cloud:    cfg.CloudAPI,
		twilio:   cfg.Twilio,
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/webhook", s.webhookHandler)
	s.mux.HandleFunc("POST /webhook/twilio", s.twilioWebhookHandler)
	s.mux.HandleFunc("POST /chat", s.chatHandler)
	s.mux.HandleFunc("GET /media/{nodeId}", s.mediaHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)

	s.mux.HandleFunc("GET /conversations", s.staffOnly(s.listConversationsHandler))
	s.mux.HandleFunc("GET /conversations/{id}", s.staffOnly(s.getConversationHandler))
	s.mux.HandleFunc("GET /conversations/{id}/messages", s.staffOnly(s.listMessagesHandler))
	s.mux.HandleFunc("POST /conversations/{id}/reply", s.staffOnly(s.staffReplyHandler))
	s.mux.HandleFunc("POST /conversations/{id}/reset", s.staffOnly(s.resetConversationHandler))
	s.mux.HandleFunc("POST /conversations/{id}/read", s.staffOnly(s.markReadHandler))
	s.mux.HandleFunc("GET /orders", s.staffOnly(s.listOrdersHandler))
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
