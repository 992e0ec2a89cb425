// Package api provides the HTTP surface and the composition root for
// FormFlow.
//
// It exposes read-only endpoints for conversation state and generated
// artifacts, and Run wires the store, transport, engine, dispatcher, document
// worker, and recovery together into a running service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/FormFlow/internal/botapi"
	"github.com/BTreeMap/FormFlow/internal/document"
	"github.com/BTreeMap/FormFlow/internal/engine"
	"github.com/BTreeMap/FormFlow/internal/flow"
	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/recovery"
	"github.com/BTreeMap/FormFlow/internal/scheduler"
	"github.com/BTreeMap/FormFlow/internal/store"
)

// Default configuration constants
const (
	// DefaultAddr is the default API server listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultDocumentPollInterval is how often the document worker polls for
	// due render jobs.
	DefaultDocumentPollInterval = 5 * time.Second
)

// Opts holds configuration options for the API server and the composition
// root's worker tunables.
type Opts struct {
	Addr                 string
	DocumentPollInterval time.Duration
	StaleThreshold       time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDocumentPollInterval sets how often the document worker polls for due
// render jobs.
func WithDocumentPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.DocumentPollInterval = d }
}

// WithStaleThreshold sets the age at which a claimed render job is considered
// abandoned during startup recovery.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// Server exposes the HTTP API over a configured store.
type Server struct {
	st   store.Store
	addr string
}

// NewServer creates an API server backed by the given store.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{st: st, addr: cfg.Addr}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/conversations", s.listConversationsHandler)
	mux.HandleFunc("/conversations/", s.conversationSubtreeHandler)
	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown API server: %w", err)
		}
		return <-errCh
	}
}

// Run is the composition root: it builds the store, transport, engine,
// dispatcher, document worker, and recovery manager, then serves until a
// termination signal arrives.
func Run(storeOpts []store.Option, botOpts []botapi.Option, twilioOpts []messaging.TwilioOption, engineOpts []engine.Option, dispatcherOpts []engine.DispatcherOption, apiOpts []Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := Opts{
		Addr:                 DefaultAddr,
		DocumentPollInterval: DefaultDocumentPollInterval,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	def := flow.NewIntakeDefinition()

	// The bot client is both the update source and the default outbound
	// channel. Twilio, when configured, takes over document delivery.
	var source messaging.Source
	var notifier messaging.Notifier
	if len(botOpts) > 0 {
		client, err := botapi.NewClient(botOpts...)
		if err != nil {
			return fmt.Errorf("initialize bot client: %w", err)
		}
		source = client
		notifier = client
	} else {
		slog.Warn("No bot transport configured, running with API surface only")
	}

	deliveryNotifier := notifier
	if len(twilioOpts) > 0 {
		tn, err := messaging.NewTwilioNotifier(twilioOpts...)
		if err != nil {
			return fmt.Errorf("initialize twilio notifier: %w", err)
		}
		deliveryNotifier = tn
	}

	eng := engine.New(st, def, append([]engine.Option{engine.WithNotifier(notifier)}, engineOpts...)...)

	var recoveryOpts []recovery.Option
	if cfg.StaleThreshold > 0 {
		recoveryOpts = append(recoveryOpts, recovery.WithStaleThreshold(cfg.StaleThreshold))
	}
	rec := recovery.NewManager(st, recoveryOpts...)
	if err := rec.Run(ctx); err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleLedgerPrune(st, scheduler.DefaultLedgerRetention); err != nil {
		return err
	}

	gen := document.NewGenerator(st, document.NewAgreementRenderer())
	worker := document.NewWorker(st, gen, deliveryNotifier, cfg.DocumentPollInterval)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	if source != nil {
		if err := source.Start(ctx); err != nil {
			return fmt.Errorf("start update source: %w", err)
		}
		defer func() {
			if err := source.Stop(); err != nil {
				slog.Error("Failed to stop update source", "error", err)
			}
		}()

		dispatcher := engine.NewDispatcher(eng, source, dispatcherOpts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Dispatcher exited with error", "error", err)
			}
		}()
	}

	srv := NewServer(st, apiOpts...)
	err = srv.Serve(ctx)

	stop()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	slog.Info("FormFlow shut down cleanly")
	return nil
}
