package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwarren/mailsyncd/internal/cache"
	"github.com/mwarren/mailsyncd/internal/config"
	"github.com/mwarren/mailsyncd/internal/email"
	"github.com/mwarren/mailsyncd/internal/maildir"
)

// Supervisor keeps one account synchronized: it discovers the account's
// mailboxes, runs a monitor per mailbox, and rebuilds everything with
// exponential backoff when a session dies. Fatal errors, such as a missing
// capability or rejected credentials, stop the account instead of looping.
type Supervisor struct {
	account *config.AccountConfig
	db      *cache.DB
	logger  *logrus.Logger
}

// NewSupervisor builds a supervisor for an account using the account's
// state database.
func NewSupervisor(account *config.AccountConfig, db *cache.DB, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		account: account,
		db:      db,
		logger:  logger,
	}
}

// Run drives the account until the context is cancelled or a fatal error
// occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.logger.WithField("account", s.account.Name)
	backoff := s.account.ReconnectMin.Duration

	for {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Every monitor was one-shot and finished cleanly.
			log.Info("Account synchronized")
			return nil
		}
		if email.IsFatal(err) {
			log.WithError(err).Error("Giving up on account")
			return err
		}

		// A session that stayed up for a while earns a fresh backoff.
		if time.Since(started) > s.account.ReconnectMax.Duration {
			backoff = s.account.ReconnectMin.Duration
		}
		log.WithError(err).WithField("backoff", backoff).Warn("Account sync failed, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.account.ReconnectMax.Duration {
			backoff = s.account.ReconnectMax.Duration
		}
	}
}

// runOnce connects, spawns one monitor per mailbox, and waits for shutdown
// or the first monitor failure. The first failure cancels the others so the
// whole account reconnects together.
func (s *Supervisor) runOnce(ctx context.Context) error {
	log := s.logger.WithField("account", s.account.Name)

	secret, err := s.account.Credential()
	if err != nil {
		return err
	}

	mailboxes, err := s.discoverMailboxes(secret)
	if err != nil {
		return err
	}
	if len(mailboxes) == 0 {
		return errors.New("no mailboxes to synchronize")
	}
	log.WithField("mailboxes", len(mailboxes)).Info("Starting mailbox monitors")

	store := cache.NewStore(s.db, s.account.Name, s.logger)

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	failures := make(chan error, len(mailboxes))

	var startErr error
	for _, mailbox := range mailboxes {
		monitor, cleanup, err := s.buildMonitor(store, mailbox, secret)
		if err != nil {
			startErr = err
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cleanup()
			if err := monitor.Run(mctx); err != nil {
				failures <- err
				cancel()
			}
		}()
	}
	if startErr != nil {
		cancel()
		wg.Wait()
		return startErr
	}

	wg.Wait()
	select {
	case err := <-failures:
		return err
	default:
		return nil
	}
}

// discoverMailboxes lists the account's selectable mailboxes on a
// short-lived session, minus the configured exclusions.
func (s *Supervisor) discoverMailboxes(secret string) ([]string, error) {
	session, err := email.Dial(s.account, secret, s.logger)
	if err != nil {
		return nil, err
	}
	defer session.Close() //nolint:errcheck

	names, err := session.Mailboxes()
	if err != nil {
		return nil, err
	}
	var mailboxes []string
	for _, name := range names {
		if s.account.Excluded(name) {
			continue
		}
		mailboxes = append(mailboxes, name)
	}
	return mailboxes, nil
}

// buildMonitor assembles the session, stores and watcher for one mailbox.
// Each monitor owns a dedicated IMAP connection: a connection stuck in IDLE
// for one mailbox cannot serve commands for another.
func (s *Supervisor) buildMonitor(store *cache.Store, mailbox, secret string) (*Monitor, func(), error) {
	entry := s.logger.WithFields(logrus.Fields{
		"account": s.account.Name,
		"mailbox": mailbox,
	})

	state, err := store.Load(mailbox)
	if err != nil {
		return nil, nil, err
	}

	local, err := maildir.NewStore(s.account.Maildir, s.account.Name, mailbox, s.logger)
	if err != nil {
		return nil, nil, err
	}

	session, err := email.Dial(s.account, secret, s.logger)
	if err != nil {
		return nil, nil, err
	}

	watch := s.account.Watched(mailbox)
	var notifier Notifier
	var watcher *maildir.Watcher
	if watch {
		watcher, err = maildir.NewWatcher(local.Path(), s.account.WatchDebounce.Duration, entry)
		if err != nil {
			session.Close() //nolint:errcheck
			return nil, nil, err
		}
		notifier = watcher
	}

	cleanup := func() {
		if watcher != nil {
			watcher.Close() //nolint:errcheck
		}
		session.Close() //nolint:errcheck
	}

	reconciler := NewReconciler(session, local, store, state, entry)
	monitor := NewMonitor(
		reconciler, session, notifier,
		s.account.IdleKeepalive.Duration, s.account.ReconnectMin.Duration,
		watch, entry,
	)
	return monitor, cleanup, nil
}
