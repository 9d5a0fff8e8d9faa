package sync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Sync() error
}

// Idler is the waiting half of the IMAP session: it blocks until the server
// reports activity in the selected mailbox.
type Idler interface {
	Idle(ctx context.Context, keepalive time.Duration) error
}

// Notifier is the waiting half of the Maildir store: a channel that fires
// once per settled burst of local filesystem changes.
type Notifier interface {
	Events() <-chan struct{}
}

// passRetries is how many times a failed reconciliation pass is retried on
// the same connection before the monitor gives the session back to the
// supervisor for a reconnect.
const passRetries = 3

// Monitor keeps one mailbox continuously reconciled. It alternates between
// running a pass and waiting on whichever side speaks first: the server via
// IDLE or the local Maildir via the filesystem watch.
type Monitor struct {
	reconciler Syncer
	idler      Idler
	notifier   Notifier
	keepalive  time.Duration
	retryDelay time.Duration
	watch      bool
	logger     *logrus.Entry
}

// NewMonitor builds a monitor. With watch false the monitor syncs the
// mailbox once and returns, for mailboxes excluded from continuous
// watching.
func NewMonitor(reconciler Syncer, idler Idler, notifier Notifier, keepalive, retryDelay time.Duration, watch bool, logger *logrus.Entry) *Monitor {
	return &Monitor{
		reconciler: reconciler,
		idler:      idler,
		notifier:   notifier,
		keepalive:  keepalive,
		retryDelay: retryDelay,
		watch:      watch,
		logger:     logger,
	}
}

// Run drives the monitor until the context is cancelled or the session is
// beyond repair. A nil return means a clean one-shot completion or
// shutdown; any error is a signal for the supervisor to rebuild the
// account's sessions.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor starting")

	if err := m.syncWithRetry(ctx); err != nil {
		return err
	}
	if !m.watch {
		m.logger.Info("One-shot sync complete")
		return nil
	}

	for {
		m.logger.Debug("Waiting for changes")
		if err := m.wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				m.logger.Info("Monitor stopped")
				return nil
			}
			return err
		}
		if err := m.syncWithRetry(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// wait blocks until either side reports activity. The IDLE runs in its own
// goroutine so a filesystem event can interrupt it by cancelling its
// context; the loser of the race is always cleaned up before returning.
func (m *Monitor) wait(ctx context.Context) error {
	idleCtx, stopIdle := context.WithCancel(ctx)
	defer stopIdle()

	idleDone := make(chan error, 1)
	go func() {
		idleDone <- m.idler.Idle(idleCtx, m.keepalive)
	}()

	select {
	case err := <-idleDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		m.logger.Debug("Remote activity")
		return ctx.Err()
	case <-m.notifier.Events():
		m.logger.Debug("Local activity")
		stopIdle()
		if err := <-idleDone; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		<-idleDone
		return ctx.Err()
	}
}

// syncWithRetry runs a pass, retrying transient failures a few times before
// declaring the session unusable. Passes are idempotent, so a retry after a
// partial application is safe.
func (m *Monitor) syncWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= passRetries; attempt++ {
		err = m.reconciler.Sync()
		if err == nil {
			return nil
		}
		m.logger.WithError(err).WithField("attempt", attempt).Warn("Reconciliation pass failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
	return err
}
