package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tollgate/internal/audit"
	"github.com/MEKXH/tollgate/internal/config"
	"github.com/MEKXH/tollgate/internal/delegation"
	"github.com/MEKXH/tollgate/internal/engine"
	"github.com/MEKXH/tollgate/internal/metrics"
	"github.com/MEKXH/tollgate/internal/notify"
	"github.com/MEKXH/tollgate/internal/policy"
	"github.com/MEKXH/tollgate/internal/store"
)

// app is the wired engine plus everything it needs to be shut down.
type app struct {
	cfg        *config.Config
	repo       store.Repository
	roster     *delegation.FileRoster
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	metrics    *metrics.Recorder
	notifiers  *engine.Notifiers
	closers    []func()
}

// openApp loads the policy and roster, opens the repository and starts the
// notification dispatcher. Callers must Close the app. Only the long-running
// server sets persistMetrics; one-shot commands keep their counters in memory
// so they never overwrite the server's runtime snapshot.
func openApp(ctx context.Context, cfg *config.Config, persistMetrics bool) (*app, error) {
	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return nil, fmt.Errorf("load policy (run 'tollgate init' to create one): %w", err)
	}
	roster, err := delegation.NewFileRoster(cfg.RosterPath())
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	repo, err := store.Open(ctx, store.Options{
		Driver: cfg.Storage.Driver,
		Path:   cfg.StoragePath(),
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{
		cfg:       cfg,
		repo:      repo,
		roster:    roster,
		metrics:   metrics.NewRecorder(""),
		notifiers: &engine.Notifiers{},
	}
	if persistMetrics {
		a.metrics = metrics.NewRecorder(config.StateDir())
	}

	sinks, closers, err := buildSinks(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	a.closers = closers
	a.dispatcher = notify.NewDispatcher(notify.Config{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		Timeout:     time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
		RetryQueue:  cfg.Notify.RetryQueue,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, a.metrics, sinks...)
	// Close stops the dispatcher so queued events drain after ctx ends.
	a.dispatcher.Start(context.Background())
	*a.notifiers = append(*a.notifiers, a.dispatcher)

	a.engine, err = engine.New(engine.Options{
		Repository: repo,
		Policy:     pol,
		Roster:     roster,
		Windows:    cfg.Windows(),
		Notifier:   a.notifiers,
		Metrics:    a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// addNotifier registers an extra transition listener. It must be called
// before the engine serves requests.
func (a *app) addNotifier(n engine.Notifier) {
	*a.notifiers = append(*a.notifiers, n)
}

// reload re-reads the policy and roster files.
func (a *app) reload() error {
	pol, err := policy.Load(a.cfg.PolicyPath())
	if err != nil {
		return err
	}
	if err := a.engine.ReloadPolicy(pol); err != nil {
		return err
	}
	return a.roster.Reload()
}

// Close drains pending notifications and releases resources.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(ctx); err != nil {
			slog.Warn("notification dispatcher stop failed", "error", err)
		}
	}
	for _, c := range a.closers {
		c()
	}
	if err := a.metrics.Flush(); err != nil {
		slog.Warn("failed to persist runtime metrics", "error", err)
	}
	if err := a.repo.Close(); err != nil {
		slog.Warn("storage close failed", "error", err)
	}
}

func buildSinks(cfg *config.Config) ([]notify.Sink, []func(), error) {
	var (
		sinks   []notify.Sink
		closers []func()
	)
	n := cfg.Notify
	if n.Log {
		sinks = append(sinks, notify.NewLogSink(slog.Default()))
	}
	if n.Audit.Enabled {
		sinks = append(sinks, notify.NewAuditSink(audit.NewWriter(cfg.AuditPath())))
	}
	if n.Telegram.Enabled {
		tg, err := notify.NewTelegramSink(n.Telegram.Token, n.Telegram.ChatIDs, n.Telegram.Events)
		if err != nil {
			return nil, nil, fmt.Errorf("telegram sink: %w", err)
		}
		sinks = append(sinks, tg)
	}
	if n.NATS.Enabled {
		ns, err := notify.DialNATS(n.NATS.URL, n.NATS.SubjectPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, ns)
		closers = append(closers, ns.Close)
	}
	return sinks, closers, nil
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openApp(ctx, cfg, false)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
