// Package api provides the HTTP surface for LeadPipe and wires the
// application modules together: store, messaging transport, debounce
// aggregator, conversation processor, and follow-up driver.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/buffer"
	"github.com/BTreeMap/LeadPipe/internal/conversation"
	"github.com/BTreeMap/LeadPipe/internal/followup"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/recovery"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// Constants for API server configuration
const (
	// DefaultAddr is the default API server listen address
	DefaultAddr = ":8080"
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server and module wiring.
type Opts struct {
	Addr         string
	StateDir     string
	ScanInterval time.Duration
	Timezone     string
	UseTwilio    bool
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithStateDir sets the state directory used for the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithScanInterval overrides the follow-up driver interval.
func WithScanInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.ScanInterval = d
	}
}

// WithTimezone sets the IANA timezone used for the business-hours gate.
func WithTimezone(name string) Option {
	return func(o *Opts) {
		o.Timezone = name
	}
}

// WithTwilioTransport selects the Twilio transport instead of Whatsmeow.
// Twilio credentials come from the environment.
func WithTwilioTransport() Option {
	return func(o *Opts) {
		o.UseTwilio = true
	}
}

// Server hosts the HTTP API over the wired modules.
type Server struct {
	addr       string
	msgService messaging.Service
	st         store.Store
	aggregator *buffer.Aggregator
	manager    *followup.Manager
	httpServer *http.Server
}

// NewServer creates an API server over already-constructed modules.
func NewServer(msgService messaging.Service, st store.Store, aggregator *buffer.Aggregator, manager *followup.Manager, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:       addr,
		msgService: msgService,
		st:         st,
		aggregator: aggregator,
		manager:    manager,
	}
}

// serviceSender adapts a messaging.Service to the follow-up Sender contract.
type serviceSender struct {
	svc messaging.Service
}

func (s serviceSender) SendText(ctx context.Context, key, text string) error {
	return s.svc.SendMessage(ctx, key, text)
}

// Run builds all modules from options and serves until a shutdown signal.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:         DefaultAddr,
		StateDir:     DefaultStateDir,
		ScanInterval: followup.DefaultScanInterval,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	defer lock.Release()

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	var msgService messaging.Service
	var twilioService *messaging.TwilioService
	if cfg.UseTwilio {
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		twilioService = messaging.NewTwilioService(twilioClient)
		msgService = twilioService
		slog.Info("Messaging transport configured", "transport", "twilio")
	} else {
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		msgService = messaging.NewWhatsAppService(waClient)
		slog.Info("Messaging transport configured", "transport", "whatsmeow")
	}

	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("failed to load timezone %s: %w", cfg.Timezone, err)
		}
	}

	manager, err := followup.NewManager(st, serviceSender{msgService},
		followup.NewGenAIAnalyzer(genaiClient),
		followup.NewGenAIGenerator(genaiClient),
		followup.WithLocation(loc))
	if err != nil {
		return fmt.Errorf("failed to initialize follow-up manager: %w", err)
	}

	processor, err := conversation.NewProcessor(st, msgService, genaiClient, manager)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation processor: %w", err)
	}

	aggregator := buffer.NewAggregator(st, processor.HandleTurn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	router := messaging.NewRouter(msgService, aggregator)
	router.Start(ctx)

	// Flush buffers orphaned by a previous run before accepting traffic.
	recoveryManager := recovery.NewManager()
	recoveryManager.Register(recovery.NewBufferRecovery(st, aggregator))
	recoveryManager.RecoverAll(ctx)

	driver := followup.NewDriver(manager, cfg.ScanInterval)
	driver.Start()

	server := NewServer(msgService, st, aggregator, manager, cfg.Addr)
	server.httpServer = &http.Server{Addr: server.addr, Handler: server.Handler(twilioService)}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", server.addr)
		if err := server.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("API server failed", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()
	if err := server.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}

	driver.Stop()
	aggregator.Stop()
	cancel()
	if err := msgService.Stop(); err != nil {
		slog.Error("Messaging service stop failed", "error", err)
	}
	router.Wait()

	slog.Info("LeadPipe shut down cleanly")
	return nil
}
