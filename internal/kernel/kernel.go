// Package kernel assembles the conductor's long-lived services for one
// project: event bus, execution engine, plan approval registry, run history
// database, notification sinks, and the optional Prometheus endpoint. It
// owns startup order and ordered shutdown so the CLI entry point stays a
// thin flag parser.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/agent"
	agentmetrics "conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/approval"
	"conductor/pkg/autoloop"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/execstate"
	"conductor/pkg/feature"
	"conductor/pkg/logx"
	"conductor/pkg/notify"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
	"conductor/pkg/workspace"
)

// EventLogEnvFlag enables the raw NDJSON event log under .conductor/logs
// when set to any non-empty value. The log is a debugging aid; the run
// history database is the durable record.
const EventLogEnvFlag = "CONDUCTOR_EVENT_LOG"

// DefaultStopTimeout bounds how long Stop waits for in-flight feature work
// before abandoning the goroutines to process exit.
const DefaultStopTimeout = 30 * time.Second

// Kernel wires the conductor's services for one project directory and
// manages their lifecycle. Services are exposed as concrete types; callers
// reach through the kernel rather than re-wiring their own instances.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Owns the service lifetime.
	cancel context.CancelFunc

	Config config.Config
	Logger *logx.Logger

	Bus       *events.Bus
	Features  *feature.Store
	States    *execstate.Store
	Approvals *approval.Registry
	Factory   *agent.Factory
	Notifier  *notify.Service
	History   *persistence.DB
	Engine    *autoloop.Engine

	metricsServer *http.Server
	eventLog      *events.LogWriter
	eventLogDone  chan struct{}
	unsubscribe   func()

	projectDir string
	running    bool
}

// NewKernel builds the service graph for projectDir. Nothing is started;
// call Start. The parent context bounds the kernel's lifetime.
func NewKernel(parent context.Context, cfg config.Config, projectDir string) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	if err := utils.EnsureProjectLayout(projectDir); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create project layout: %w", err)
	}

	history, err := persistence.Open(filepath.Join(utils.ProjectStateDir(projectDir), persistence.DBFileName))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open run history database: %w", err)
	}

	// The Prometheus recorder registers collectors on the default registry,
	// so it exists only when the endpoint that exposes them does.
	var recorder agent.Recorder
	if cfg.Metrics.Enabled {
		recorder = agentmetrics.NewPrometheusRecorder()
	} else {
		recorder = agentmetrics.NewNoopRecorder()
	}

	k := &Kernel{
		ctx:        ctx,
		cancel:     cancel,
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		Bus:        events.NewBus(),
		Features:   feature.NewStore(),
		States:     execstate.NewStore(),
		Approvals:  approval.NewRegistry(cfg.ApprovalGate.Timeout),
		Factory:    agent.NewFactory(recorder, cfg.ResolveOllamaHost()),
		Notifier:   notify.NewService(notify.SinksFromConfig(cfg.Notifications.Enabled, cfg.Notifications.Command, cfg.Notifications.Webhook)...),
		History:    history,
		projectDir: projectDir,
	}

	k.Engine = autoloop.New(autoloop.Options{
		Bus:        k.Bus,
		Store:      k.Features,
		States:     k.States,
		Approvals:  k.Approvals,
		Providers:  k.Factory,
		Workspaces: workspace.NewResolver(workspace.NewDefaultGitRunner()),
		Notifier:   k.Notifier,
		History:    k.History,
	})

	return k, nil
}

// ProjectDir returns the project directory the kernel was built for.
func (k *Kernel) ProjectDir() string {
	return k.projectDir
}

// Start brings up the metrics endpoint and event log, then replays crash
// recovery for the project. Idempotent only in the sense that a second call
// fails cleanly.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already started")
	}

	k.startMetricsServer()

	if err := k.startEventLog(); err != nil {
		return err
	}

	// Recovery runs before the CLI can start a loop, so resumed features
	// and a restored scheduler never race a fresh StartLoop.
	if err := k.Engine.Recover(k.projectDir); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	k.running = true
	k.Logger.Info("Kernel started for project %s", k.projectDir)
	return nil
}

// Stop shuts services down in reverse dependency order: the engine first so
// no new work reaches the bus or database, then the metrics endpoint, the
// event log, and finally the history database.
func (k *Kernel) Stop(timeout time.Duration) error {
	if !k.running {
		return nil
	}
	k.running = false

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	k.Engine.Shutdown(timeout)
	k.cancel()

	if k.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := k.metricsServer.Shutdown(shutdownCtx); err != nil {
			k.Logger.Warn("Metrics server shutdown: %v", err)
		}
		cancel()
		k.metricsServer = nil
	}

	k.stopEventLog()

	if err := k.History.Close(); err != nil {
		return fmt.Errorf("failed to close run history database: %w", err)
	}

	k.Logger.Info("Kernel stopped")
	return nil
}

// startMetricsServer exposes /metrics and /healthz when metrics are enabled.
// Listen failures are logged, not fatal: an occupied port should not take
// down the conductor.
func (k *Kernel) startMetricsServer() {
	if !k.Config.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              k.Config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	k.metricsServer = srv

	go func() {
		k.Logger.Info("Metrics endpoint listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Logger.Error("Metrics server failed: %v", err)
		}
	}()
}

// startEventLog subscribes a daily-rotated NDJSON writer to the bus when the
// environment flag asks for one.
func (k *Kernel) startEventLog() error {
	if os.Getenv(EventLogEnvFlag) == "" {
		return nil
	}

	w, err := events.NewLogWriter(utils.LogsDir(k.projectDir))
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}

	ch, unsubscribe := k.Bus.Subscribe(256)
	k.eventLog = w
	k.unsubscribe = unsubscribe
	k.eventLogDone = make(chan struct{})

	go func() {
		defer close(k.eventLogDone)
		for ev := range ch {
			if writeErr := w.WriteEvent(ev); writeErr != nil {
				k.Logger.Warn("Failed to write event log entry: %v", writeErr)
			}
		}
	}()

	k.Logger.Info("Event log enabled at %s", w.CurrentLogFile())
	return nil
}

// stopEventLog detaches the bus subscription, drains the writer goroutine,
// and closes the current file.
func (k *Kernel) stopEventLog() {
	if k.eventLog == nil {
		return
	}

	k.unsubscribe()
	<-k.eventLogDone
	if err := k.eventLog.Close(); err != nil {
		k.Logger.Warn("Failed to close event log: %v", err)
	}
	k.eventLog = nil
	k.unsubscribe = nil
	k.eventLogDone = nil
}
