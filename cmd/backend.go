package cmd

import (
	"context"
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/javi11/nntp-storage/config"
	"github.com/javi11/nntp-storage/future"
	"github.com/javi11/nntp-storage/kv"
	"github.com/javi11/nntp-storage/kv/badgerkv"
	"github.com/javi11/nntp-storage/kv/boltkv"
	"github.com/javi11/nntp-storage/mail"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/shelf"
	"github.com/javi11/nntp-storage/snapshot"
	"github.com/javi11/nntp-storage/sqlstore"
	"github.com/javi11/nntp-storage/storage"
	"github.com/javi11/nntp-storage/telemetry"
)

// registry is shared by every snapshot opened in this process.
var registry = snapshot.NewRegistry()

// backend is an opened, instrumented store plus the executor its
// asynchronous calls run on.
type backend struct {
	*telemetry.Storage
	exec  future.Executor
	sched *future.Scheduler
}

// Async returns the store bound to its executor.
func (b *backend) Async() *storage.Async {
	return storage.NewAsync(b, b.exec)
}

// Close stops the scheduler, if any, then closes the store.
func (b *backend) Close() error {
	if b.sched != nil {
		b.sched.Close()
	}
	return b.Storage.Close()
}

func newNotifier(cfg *config.Config) *moderation.Notifier {
	n := &moderation.Notifier{
		MailHost: cfg.Mail.Host,
		From:     cfg.Mail.Sender,
		Hostname: cfg.Hostname,
	}
	if cfg.Mail.Host != "" {
		n.Sender = &mail.SMTPSender{}
	}
	return n
}

// openBackend opens the configured backend. Snapshot and shelf stores run on
// a serial scheduler, SQLite on plain goroutines.
func openBackend(ctx context.Context, cfg *config.Config, set *metrics.Set) (*backend, error) {
	notifier := newNotifier(cfg)

	var (
		store storage.Storage
		err   error
	)
	switch cfg.Backend {
	case config.BackendSnapshot:
		store, err = registry.Open(cfg.Snapshot.Path, snapshot.Options{
			Groups:     cfg.Snapshot.Groups,
			Moderators: cfg.Snapshot.Moderators,
			Notifier:   notifier,
			Hostname:   cfg.Hostname,
		})
	case config.BackendShelf:
		store, err = openShelf(cfg, notifier)
	case config.BackendSQL:
		store, err = sqlstore.Open(ctx, sqlstore.Config{
			Driver:     cfg.SQL.Driver,
			Path:       cfg.SQL.Path,
			Groups:     cfg.SQL.Groups,
			Moderators: cfg.SQL.Moderators,
			Notifier:   notifier,
			Hostname:   cfg.Hostname,
		})
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}

	b := &backend{Storage: telemetry.Wrap(store, cfg.Backend, set)}
	if cfg.Backend == config.BackendSQL {
		b.exec = future.Goroutines{}
	} else {
		b.sched = future.NewScheduler()
		b.exec = b.sched
	}
	return b, nil
}

func openShelf(cfg *config.Config, notifier *moderation.Notifier) (*shelf.Shelf, error) {
	var (
		engine kv.Engine
		err    error
	)
	switch cfg.Shelf.Engine {
	case config.EngineBadger:
		engine, err = badgerkv.Open(badgerkv.Config{Dir: cfg.Shelf.Path, SyncWrites: cfg.Shelf.SyncWrites})
	default:
		engine, err = boltkv.Open(boltkv.Config{Dir: cfg.Shelf.Path, SyncWrites: cfg.Shelf.SyncWrites})
	}
	if err != nil {
		return nil, err
	}
	s, err := shelf.Open(engine, shelf.Options{Notifier: notifier, Hostname: cfg.Hostname})
	if err != nil {
		engine.Close()
		return nil, err
	}
	return s, nil
}
