// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gated-doc-capture/internal/admission"
	"github.com/JakeFAU/gated-doc-capture/internal/api"
	"github.com/JakeFAU/gated-doc-capture/internal/assemble"
	"github.com/JakeFAU/gated-doc-capture/internal/browser"
	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/clock/system"
	"github.com/JakeFAU/gated-doc-capture/internal/config"
	"github.com/JakeFAU/gated-doc-capture/internal/delivery"
	"github.com/JakeFAU/gated-doc-capture/internal/dispatcher"
	"github.com/JakeFAU/gated-doc-capture/internal/gate"
	"github.com/JakeFAU/gated-doc-capture/internal/id/uuid"
	"github.com/JakeFAU/gated-doc-capture/internal/orchestrator"
	"github.com/JakeFAU/gated-doc-capture/internal/otp"
	"github.com/JakeFAU/gated-doc-capture/internal/pager"
	"github.com/JakeFAU/gated-doc-capture/internal/preflight"
	"github.com/JakeFAU/gated-doc-capture/internal/progress"
	"github.com/JakeFAU/gated-doc-capture/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/gated-doc-capture/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/gated-doc-capture/internal/queue/memory"
	"github.com/JakeFAU/gated-doc-capture/internal/storage"
	"github.com/JakeFAU/gated-doc-capture/internal/storage/gcs"
	"github.com/JakeFAU/gated-doc-capture/internal/storage/local"
	"github.com/JakeFAU/gated-doc-capture/internal/storage/memory"
	"github.com/JakeFAU/gated-doc-capture/internal/storage/postgres"
	"github.com/JakeFAU/gated-doc-capture/internal/telemetry"
)

// Option customizes New.
type Option func(*App)

// WithRegisterer registers the progress collectors against reg instead of
// the default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// App holds all the shared, long-lived services for the application.
// It is built once at startup by New and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Admission    *admission.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Hub          *progress.Hub
	Server       *api.Server

	queue      *queuememory.Queue
	dispatcher *dispatcher.Dispatcher
	registerer prometheus.Registerer
	closers    []func(context.Context) error
}

// New creates and initializes the application from cfg. It fails fast if any
// backend cannot be initialized; anything already opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	logger.Info("Initializing application services...")

	clock := system.New()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     cfg.Telemetry.Version,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
	}

	// 1. Blob storage for delivered artifacts.
	blobs, signer, err := a.newBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Job history.
	history, err := a.newHistoryStore(ctx)
	if err != nil {
		return nil, err
	}

	// 3. Event publisher.
	var publisher delivery.Publisher
	var phasePublisher sinks.Publisher
	if cfg.PubSub.Enabled {
		pub, err := a.newPublisher(ctx)
		if err != nil {
			return nil, err
		}
		publisher, phasePublisher = pub, pub
	}

	router, err := delivery.New(delivery.Config{
		OutboxPrefix:   cfg.Delivery.OutboxPrefix,
		OverflowPrefix: cfg.Delivery.OverflowPrefix,
	}, delivery.Deps{
		Outbox:    blobs,
		Signer:    signer,
		Publisher: publisher,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}

	// 4. Progress hub and its sinks.
	hub, err := a.newHub(clock, phasePublisher)
	if err != nil {
		return nil, err
	}
	a.Hub = hub
	a.closers = append(a.closers, hub.Close)

	// 5. Capture pipeline.
	a.Admission = admission.New(admission.Config{
		MaxConcurrent:      cfg.Admission.MaxConcurrent,
		Cooldown:           cfg.Admission.Cooldown,
		CapacityRetryAfter: cfg.Admission.CapacityRetryAfter,
		IdleTTL:            cfg.Admission.IdleTTL,
	}, logger)

	maxParallel := cfg.Browser.MaxParallel
	if maxParallel <= 0 {
		maxParallel = cfg.Admission.MaxConcurrent
	}
	sessions, err := browser.NewFactory(browser.Config{
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ExecPath,
		NoSandbox:         cfg.Browser.NoSandbox,
		UserAgent:         cfg.Browser.UserAgent,
		Locale:            cfg.Browser.Locale,
		Timezone:          cfg.Browser.Timezone,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		MaxParallel:       maxParallel,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		ActionTimeout:     cfg.Browser.ActionTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}

	mailbox, err := otp.New(otp.Config{
		BaseURL:        cfg.OTP.BaseURL,
		Token:          cfg.OTP.Token,
		Inbox:          cfg.OTP.Inbox,
		Sender:         cfg.OTP.Sender,
		CodePattern:    cfg.OTP.CodePattern,
		PollInterval:   cfg.OTP.PollInterval,
		Lookback:       cfg.OTP.Lookback,
		RequestTimeout: cfg.OTP.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("otp mailbox: %w", err)
	}

	gates := gate.New(gate.Config{
		Identity:         cfg.Gate.Identity,
		MaxEmailAttempts: cfg.Gate.MaxEmailAttempts,
		MaxCodeAttempts:  cfg.Gate.MaxCodeAttempts,
		MaxConsentClicks: cfg.Gate.MaxConsentClicks,
		OTPTimeout:       cfg.Gate.OTPTimeout,
		ReadyTimeout:     cfg.Gate.ReadyTimeout,
		Deadline:         cfg.Gate.Deadline,
		Settle:           cfg.Gate.Settle,
		PollInterval:    cfg.Gate.PollInterval,
	}, gate.DefaultCatalog(), mailbox, logger)

	chrome := cfg.Pager.ChromeSelectors
	if len(chrome) == 0 {
		chrome = pager.DefaultChromeSelectors()
	}
	pages := pager.New(pager.Config{
		MaxPages:        cfg.Pager.MaxPages,
		Settle:          cfg.Pager.Settle,
		ChromeSelectors: chrome,
		ReadyTimeout:    cfg.Gate.ReadyTimeout,
		Poll:            cfg.Gate.PollInterval,
	}, pager.DefaultControls(), logger).WithGates(gates)

	assembler, err := assemble.New(assemble.Config{
		PaperSize:   cfg.Assemble.PaperSize,
		DPI:         cfg.Assemble.DPI,
		Orientation: assemble.Orientation(strings.ToLower(cfg.Assemble.Orientation)),
		Quality:     cfg.Assemble.Quality,
		PageLabels:  cfg.Assemble.PageLabels,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("assembler: %w", err)
	}

	var check orchestrator.Preflighter
	if cfg.Preflight.Enabled {
		check = preflight.New(preflight.Config{
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   cfg.Preflight.Timeout,
		}, logger)
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		LargeThreshold:  cfg.Job.LargeThresholdBytes,
		SessionAttempts: cfg.Job.SessionAttempts,
		RetryBaseDelay:  cfg.Job.RetryBaseDelay,
		RetryMaxDelay:   cfg.Job.RetryMaxDelay,
		CleanupTimeout:  cfg.Job.CleanupTimeout,
	}, orchestrator.Deps{
		Sessions:  sessions,
		Gates:     gates,
		Pager:     pages,
		Assembler: assembler,
		Deliverer: router,
		Notifier:  hub,
		Admission: a.Admission,
		History:   history,
		Preflight: check,
		Clock:     clock,
		IDs:       uuid.NewUUIDGenerator(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	// 6. Work queue, workers and HTTP surface.
	a.queue = queuememory.NewQueue(cfg.QueueDepth())
	a.dispatcher, err = dispatcher.New(a.queue, a.Orchestrator, cfg.WorkerCount(), logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	a.Server, err = api.NewServer(api.Config{
		APIKey:         cfg.Server.APIKey,
		AllowedHosts:   cfg.Server.AllowedHosts,
		RequestTimeout: cfg.Server.RequestTimeout,
		EnqueueTimeout: cfg.Server.EnqueueTimeout,
	}, api.Deps{
		Jobs:      a.Orchestrator,
		Admission: a.Admission,
		Queue:     a.dispatcher,
		History:   history,
		Clock:     clock,
		ReadyChecks: map[string]api.ReadyCheck{
			"queue": a.queueReady,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}

	logger.Info("Application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("history", cfg.History.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Int("workers", cfg.WorkerCount()),
	)
	return a, nil
}

func (a *App) newBlobStore(ctx context.Context) (storage.BlobStore, delivery.URLSigner, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "", "memory":
		return memory.NewBlobStore(), nil, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local storage: %w", err)
		}
		return store, nil, nil
	case "gcs":
		var key []byte
		if cfg.GCS.PrivateKeyFile != "" {
			var err error
			key, err = os.ReadFile(cfg.GCS.PrivateKeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("read gcs signing key: %w", err)
			}
		}
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{
			Bucket:         cfg.GCS.Bucket,
			Prefix:         cfg.GCS.Prefix,
			SignedURLTTL:   cfg.GCS.SignedURLTTL,
			GoogleAccessID: cfg.GCS.GoogleAccessID,
			PrivateKey:     key,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs storage: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

func (a *App) newHistoryStore(ctx context.Context) (storage.HistoryStore, error) {
	switch a.cfg.History.Backend {
	case "", "memory":
		return memory.NewHistoryStore(a.cfg.History.Limit), nil
	case "postgres":
		store, err := postgres.NewHistoryStore(ctx, postgres.HistoryStoreConfig{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres history: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history backend: %q", a.cfg.History.Backend)
	}
}

func (a *App) newPublisher(ctx context.Context) (*pubsubpub.Publisher, error) {
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	pub, err := pubsubpub.New(client, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pub.Stop()
		return nil
	})
	return pub, nil
}

func (a *App) newHub(clock capture.Clock, pub sinks.Publisher) (*progress.Hub, error) {
	metricsSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink: %w", err)
	}
	hubSinks := []progress.Sink{metricsSink}
	if a.cfg.Progress.LogEvents {
		hubSinks = append(hubSinks, sinks.NewLogSink(a.logger))
	}
	if a.cfg.Progress.PublishEvents && pub != nil {
		hubSinks = append(hubSinks, sinks.NewPublishSink(pub, a.logger))
	}
	return progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Clock:          clock,
		Logger:         a.logger,
	}, hubSinks...), nil
}

func (a *App) queueReady(context.Context) error {
	if depth := a.cfg.QueueDepth(); depth > 0 && a.queue.Len() >= depth {
		return fmt.Errorf("queue full: %d waiting", a.queue.Len())
	}
	return nil
}

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Run serves HTTP, runs the workers and sweeps idle admission state until ctx
// ends. Jobs still queued at shutdown are failed as cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.sweep(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.queue.Close()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.drain(context.WithoutCancel(ctx))
	return err
}

func (a *App) sweep(ctx context.Context) {
	interval := a.cfg.Admission.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Admission.Sweep(); n > 0 {
				a.logger.Debug("swept idle requesters", zap.Int("count", n))
			}
		}
	}
}

// drain fails every job left in the closed queue so its admission is released.
func (a *App) drain(ctx context.Context) {
	a.queue.Close()
	for {
		item, err := a.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		job, ok := a.Orchestrator.Lookup(item.JobID)
		if !ok {
			continue
		}
		a.Orchestrator.Abort(ctx, job, capture.Errorf(capture.KindCancelled, "shutdown", "service stopped before the job started"))
	}
}

// CaptureOnce admits and runs a single request in the calling goroutine.
func (a *App) CaptureOnce(ctx context.Context, req capture.Request) (capture.Result, error) {
	if err := a.Admission.TryAdmit(req.RequesterID).Err(); err != nil {
		return capture.Result{}, err
	}
	job, err := a.Orchestrator.Submit(req)
	if err != nil {
		a.Admission.Release(req.RequesterID)
		return capture.Result{}, err
	}
	return a.Orchestrator.Run(ctx, job)
}

// Close releases every backend opened by New, most recent first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
