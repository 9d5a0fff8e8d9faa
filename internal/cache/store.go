package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/mwarren/mailsyncd/pkg/types"
)

// MailboxState is the in-memory working copy of one mailbox's durable sync
// state. It is owned by a single monitor; nothing else mutates it.
type MailboxState struct {
	Mailbox       string
	UIDValidity   uint32
	HighestModSeq uint64
	Refs          map[imap.UID]types.MessageRef
}

// NewMailboxState returns an empty state for a mailbox that has never been
// synchronized.
func NewMailboxState(mailbox string) *MailboxState {
	return &MailboxState{
		Mailbox: mailbox,
		Refs:    make(map[imap.UID]types.MessageRef),
	}
}

// KnownUIDs returns the mapped UIDs in ascending order.
func (s *MailboxState) KnownUIDs() []imap.UID {
	uids := make([]imap.UID, 0, len(s.Refs))
	for uid := range s.Refs {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// ByKey finds the UID mapped to a Maildir key.
func (s *MailboxState) ByKey(key string) (imap.UID, bool) {
	for uid, ref := range s.Refs {
		if ref.Key == key {
			return uid, true
		}
	}
	return 0, false
}

// Reset discards the UID map and checkpoint, keeping the mailbox name.
func (s *MailboxState) Reset() {
	s.UIDValidity = 0
	s.HighestModSeq = 0
	s.Refs = make(map[imap.UID]types.MessageRef)
}

// Store provides methods for loading and persisting mailbox state for one
// account.
type Store struct {
	db      *DB
	account string
	logger  *logrus.Logger
}

// NewStore creates a new store instance scoped to an account.
func NewStore(db *DB, account string, logger *logrus.Logger) *Store {
	return &Store{
		db:      db,
		account: account,
		logger:  logger,
	}
}

// Load reads the persisted state for a mailbox. A mailbox with no persisted
// state loads as empty, which forces a full initial sync.
func (s *Store) Load(mailbox string) (*MailboxState, error) {
	state := NewMailboxState(mailbox)

	err := s.db.Conn().QueryRow(
		"SELECT uidvalidity, highest_modseq FROM mailboxes WHERE account = ? AND mailbox = ?",
		s.account, mailbox,
	).Scan(&state.UIDValidity, &state.HighestModSeq)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox state: %w", err)
	}

	rows, err := s.db.Conn().Query(
		"SELECT uid, key, flags, size, internal_date FROM messages WHERE account = ? AND mailbox = ?",
		s.account, mailbox,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load uid map: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			uid       uint32
			key       string
			flags     string
			size      int64
			dateMilli int64
		)
		if err := rows.Scan(&uid, &key, &flags, &size, &dateMilli); err != nil {
			return nil, fmt.Errorf("failed to scan uid map row: %w", err)
		}
		state.Refs[imap.UID(uid)] = types.MessageRef{
			Key:          key,
			Flags:        types.ParseFlagString(flags),
			Size:         size,
			InternalDate: time.UnixMilli(dateMilli),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read uid map: %w", err)
	}
	return state, nil
}

// Save replaces the persisted state for the mailbox with the given working
// copy in a single transaction, so a crash leaves either the prior or the
// new complete state.
func (s *Store) Save(state *MailboxState) error {
	tx, err := s.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin state transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO mailboxes (account, mailbox, uidvalidity, highest_modseq, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account, mailbox) DO UPDATE SET
			uidvalidity = excluded.uidvalidity,
			highest_modseq = excluded.highest_modseq,
			updated_at = CURRENT_TIMESTAMP
	`, s.account, state.Mailbox, state.UIDValidity, state.HighestModSeq)
	if err != nil {
		return fmt.Errorf("failed to upsert mailbox state: %w", err)
	}

	if _, err := tx.Exec(
		"DELETE FROM messages WHERE account = ? AND mailbox = ?",
		s.account, state.Mailbox,
	); err != nil {
		return fmt.Errorf("failed to clear uid map: %w", err)
	}

	insert, err := tx.Prepare(`
		INSERT INTO messages (account, mailbox, uid, key, flags, size, internal_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare uid map insert: %w", err)
	}
	defer insert.Close()

	for uid, ref := range state.Refs {
		_, err := insert.Exec(
			s.account, state.Mailbox, uint32(uid),
			ref.Key, ref.Flags.String(), ref.Size, ref.InternalDate.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert uid %d: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Invalidate removes all persisted state for the mailbox. Used when the
// server's UIDVALIDITY no longer matches the stored one.
func (s *Store) Invalidate(mailbox string) error {
	tx, err := s.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin invalidation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"messages", "pending_appends", "mailboxes"} {
		if _, err := tx.Exec(
			"DELETE FROM "+table+" WHERE account = ? AND mailbox = ?",
			s.account, mailbox,
		); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invalidation: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"account": s.account,
		"mailbox": mailbox,
	}).Warn("Discarded mailbox state")
	return nil
}

// AddPendingAppend records an append about to be issued for a local message.
func (s *Store) AddPendingAppend(mailbox, key, messageID string) error {
	_, err := s.db.Conn().Exec(`
		INSERT INTO pending_appends (account, mailbox, key, message_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, mailbox, key) DO UPDATE SET message_id = excluded.message_id
	`, s.account, mailbox, key, messageID)
	if err != nil {
		return fmt.Errorf("failed to record pending append: %w", err)
	}
	return nil
}

// PendingAppends returns the recorded appends of unknown outcome for the
// mailbox, keyed by Maildir key.
func (s *Store) PendingAppends(mailbox string) (map[string]string, error) {
	rows, err := s.db.Conn().Query(
		"SELECT key, message_id FROM pending_appends WHERE account = ? AND mailbox = ?",
		s.account, mailbox,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending appends: %w", err)
	}
	defer rows.Close()

	pending := make(map[string]string)
	for rows.Next() {
		var key, messageID string
		if err := rows.Scan(&key, &messageID); err != nil {
			return nil, fmt.Errorf("failed to scan pending append: %w", err)
		}
		pending[key] = messageID
	}
	return pending, rows.Err()
}

// ClearPendingAppend removes a pending append record once the assigned UID
// has been persisted.
func (s *Store) ClearPendingAppend(mailbox, key string) error {
	_, err := s.db.Conn().Exec(
		"DELETE FROM pending_appends WHERE account = ? AND mailbox = ? AND key = ?",
		s.account, mailbox, key,
	)
	if err != nil {
		return fmt.Errorf("failed to clear pending append: %w", err)
	}
	return nil
}
