// Package email speaks IMAP to the remote side of a synchronized account.
// Each mailbox monitor owns one Session, since a connection cannot run IDLE
// and issue commands at the same time.
package email

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/mwarren/mailsyncd/internal/config"
	"github.com/mwarren/mailsyncd/pkg/types"
)

// Session is one authenticated IMAP connection with at most one selected
// mailbox. Commands are serialized; unilateral server data only pokes the
// wake channel, so the owning monitor decides when to reconcile.
type Session struct {
	mu      sync.Mutex
	client  *imapclient.Client
	caps    imap.CapSet
	qresync bool
	mailbox string
	wake    chan struct{}
	logger  *logrus.Entry
}

// Dial connects to the account's IMAP server, authenticates, and verifies
// the capabilities synchronization depends on. IDLE, UIDPLUS and ENABLE
// are required; QRESYNC is enabled when the server offers it and the
// session falls back to full-scan reconciliation when it does not.
func Dial(acc *config.AccountConfig, secret string, logger *logrus.Logger) (*Session, error) {
	tlsConfig, err := acc.TLSConfig()
	if err != nil {
		return nil, err
	}

	s := &Session{
		wake: make(chan struct{}, 1),
		logger: logger.WithFields(logrus.Fields{
			"account": acc.Name,
			"server":  acc.Server,
		}),
	}

	options := &imapclient.Options{
		TLSConfig: tlsConfig,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) {
				s.poke()
			},
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				s.poke()
			},
			Fetch: func(msg *imapclient.FetchMessageData) {
				// Flag updates arrive here; drain the literal and wake.
				for {
					if item := msg.Next(); item == nil {
						break
					}
				}
				s.poke()
			},
		},
	}

	addr := net.JoinHostPort(acc.Server, fmt.Sprintf("%d", acc.Port))
	var client *imapclient.Client
	if acc.StartTLS {
		client, err = imapclient.DialStartTLS(addr, options)
	} else {
		client, err = imapclient.DialTLS(addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	s.client = client

	if err := client.Login(acc.Username, secret).Wait(); err != nil {
		client.Close() //nolint:errcheck
		return nil, &CredentialError{Err: err}
	}

	caps, err := client.Capability().Wait()
	if err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to read capabilities: %w", err)
	}
	s.caps = caps

	if err := checkRequiredCaps(caps); err != nil {
		client.Close() //nolint:errcheck
		return nil, err
	}

	if caps.Has(imap.CapQResync) {
		if _, err := client.Enable(imap.CapQResync).Wait(); err != nil {
			client.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to enable QRESYNC: %w", err)
		}
		s.qresync = true
	}

	s.logger.WithField("qresync", s.qresync).Debug("IMAP session established")
	return s, nil
}

// checkRequiredCaps verifies the capabilities synchronization cannot work
// without. QRESYNC is deliberately not in the list; without it the engine
// falls back to full-scan reconciliation.
func checkRequiredCaps(caps imap.CapSet) error {
	for _, required := range []imap.Cap{imap.CapIdle, imap.CapUIDPlus, imap.CapEnable} {
		if !caps.Has(required) {
			return &MissingCapabilityError{Name: string(required)}
		}
	}
	return nil
}

// SupportsQResync reports whether QRESYNC was enabled on this session.
func (s *Session) SupportsQResync() bool {
	return s.qresync
}

// Close logs out and tears down the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return s.client.Close()
}

// Mailboxes lists the account's selectable mailboxes.
func (s *Session) Mailboxes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	var names []string
	for _, mbox := range list {
		selectable := true
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
				break
			}
		}
		if selectable {
			names = append(names, mbox.Mailbox)
		}
	}
	return names, nil
}

// Select opens a mailbox. With QRESYNC enabled the mailbox is selected with
// CONDSTORE so later fetches can use CHANGEDSINCE against the checkpoint.
func (s *Session) Select(mailbox string) (*types.MailboxSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := &imap.SelectOptions{CondStore: s.qresync}
	data, err := s.client.Select(mailbox, options).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	s.mailbox = mailbox

	return &types.MailboxSnapshot{
		Mailbox:       mailbox,
		UIDValidity:   data.UIDValidity,
		HighestModSeq: data.HighestModSeq,
		NumMessages:   data.NumMessages,
	}, nil
}

// FetchAll retrieves UID, flags, size and internal date for every message in
// the selected mailbox.
func (s *Session) FetchAll() ([]types.RemoteMessage, error) {
	return s.fetchSummaries(allUIDs(), 0)
}

// FetchChangedSince retrieves summaries for messages modified after the
// given MODSEQ. Requires QRESYNC.
func (s *Session) FetchChangedSince(modSeq uint64) ([]types.RemoteMessage, error) {
	return s.fetchSummaries(allUIDs(), modSeq)
}

// FetchUIDs retrieves summaries for specific messages.
func (s *Session) FetchUIDs(uids []imap.UID) ([]types.RemoteMessage, error) {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return s.fetchSummaries(set, 0)
}

func (s *Session) fetchSummaries(set imap.UIDSet, changedSince uint64) ([]types.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		ChangedSince: changedSince,
	}
	msgs, err := s.client.Fetch(set, options).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message summaries: %w", err)
	}

	summaries := make([]types.RemoteMessage, 0, len(msgs))
	for _, msg := range msgs {
		summaries = append(summaries, types.RemoteMessage{
			UID:          msg.UID,
			Flags:        types.FlagSetFromIMAP(msg.Flags),
			InternalDate: msg.InternalDate,
			Size:         msg.RFC822Size,
		})
	}
	return summaries, nil
}

// ListUIDs returns just the UIDs of every message in the selected mailbox.
func (s *Session) ListUIDs() ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.client.Fetch(allUIDs(), &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	uids := make([]imap.UID, 0, len(msgs))
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}
	return uids, nil
}

// FetchBody downloads one full message.
func (s *Session) FetchBody(uid imap.UID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	section := &imap.FetchItemBodySection{}
	options := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	msgs, err := s.client.Fetch(imap.UIDSetNum(uid), options).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch uid %d: %w", uid, err)
	}
	for _, msg := range msgs {
		if msg.UID != uid {
			continue
		}
		if body := msg.FindBodySection(section); body != nil {
			return body, nil
		}
	}
	return nil, fmt.Errorf("server returned no body for uid %d", uid)
}

// Append uploads a message to the selected mailbox and returns the UID the
// server assigned. The server must report it via APPENDUID; a UID map entry
// cannot be made up.
func (s *Session) Append(body []byte, flags types.FlagSet, date time.Time) (imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := &imap.AppendOptions{
		Flags: flags.IMAP(),
	}
	if !date.IsZero() {
		options.Time = date
	}

	cmd := s.client.Append(s.mailbox, int64(len(body)), options)
	if _, err := cmd.Write(body); err != nil {
		cmd.Close() //nolint:errcheck
		return 0, fmt.Errorf("failed to upload message: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish upload: %w", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("append rejected: %w", err)
	}
	if data.UID == 0 {
		return 0, fmt.Errorf("append to %s returned no APPENDUID", s.mailbox)
	}
	return data.UID, nil
}

// AddFlags sets flags on the given messages.
func (s *Session) AddFlags(uids []imap.UID, flags types.FlagSet) error {
	return s.store(uids, imap.StoreFlagsAdd, flags.IMAP())
}

// RemoveFlags clears flags on the given messages.
func (s *Session) RemoveFlags(uids []imap.UID, flags types.FlagSet) error {
	return s.store(uids, imap.StoreFlagsDel, flags.IMAP())
}

func (s *Session) store(uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	store := &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}
	if err := s.client.Store(set, store, nil).Close(); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// Expunge permanently removes the given messages: mark \Deleted, then
// UID EXPUNGE exactly those UIDs so unrelated \Deleted messages survive.
func (s *Session) Expunge(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.store(uids, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	if _, err := s.client.UIDExpunge(set).Collect(); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// SearchMessageID looks for a message with the given Message-Id header in
// the selected mailbox. Used to resolve appends of unknown outcome after a
// crash.
func (s *Session) SearchMessageID(messageID string) (imap.UID, bool, error) {
	if messageID == "" {
		return 0, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: messageID},
		},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, false, fmt.Errorf("failed to search for message-id: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, false, nil
	}
	return uids[0], true, nil
}

// Idle blocks in IMAP IDLE until the server reports mailbox activity, the
// context is cancelled, or the connection dies. The IDLE is cycled at the
// keepalive interval so NAT boxes and servers with command timeouts do not
// silently drop us. A wake that arrived while commands were running returns
// immediately, so no unilateral notification is ever lost.
func (s *Session) Idle(ctx context.Context, keepalive time.Duration) error {
	for {
		select {
		case <-s.wake:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		cmd, err := s.client.Idle()
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: failed to start idle: %v", ErrSessionLost, err)
		}

		done := make(chan error, 1)
		go func() {
			done <- cmd.Wait()
		}()

		keepaliveTimer := time.NewTimer(keepalive)
		stop := func() error {
			keepaliveTimer.Stop()
			closeErr := cmd.Close()
			<-done
			return closeErr
		}

		select {
		case <-s.wake:
			if err := stop(); err != nil {
				return fmt.Errorf("%w: failed to stop idle: %v", ErrSessionLost, err)
			}
			return nil
		case <-ctx.Done():
			stop() //nolint:errcheck
			return ctx.Err()
		case err := <-done:
			keepaliveTimer.Stop()
			if err != nil {
				return fmt.Errorf("%w: idle failed: %v", ErrSessionLost, err)
			}
			// Server ended the IDLE on its own; cycle it.
		case <-keepaliveTimer.C:
			if err := stop(); err != nil {
				return fmt.Errorf("%w: failed to cycle idle: %v", ErrSessionLost, err)
			}
			s.logger.Trace("Cycled IDLE keepalive")
		}
	}
}

func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// allUIDs is the 1:* set.
func allUIDs() imap.UIDSet {
	var set imap.UIDSet
	set.AddRange(1, 0)
	return set
}
