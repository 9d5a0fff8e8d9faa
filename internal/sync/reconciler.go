// Package sync drives the reconciliation between a remote IMAP mailbox and
// its local Maildir. The reconciler makes one pass at a time: remote-origin
// changes are applied to the Maildir first, then local-origin changes are
// pushed to the server, then the durable checkpoint is advanced. Passes are
// idempotent; replaying one after a crash converges on the same state.
package sync

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/mwarren/mailsyncd/internal/cache"
	"github.com/mwarren/mailsyncd/pkg/types"
)

// Remote is the slice of the IMAP session the reconciler needs.
type Remote interface {
	SupportsQResync() bool
	Select(mailbox string) (*types.MailboxSnapshot, error)
	FetchAll() ([]types.RemoteMessage, error)
	FetchChangedSince(modSeq uint64) ([]types.RemoteMessage, error)
	FetchUIDs(uids []imap.UID) ([]types.RemoteMessage, error)
	ListUIDs() ([]imap.UID, error)
	FetchBody(uid imap.UID) ([]byte, error)
	Append(body []byte, flags types.FlagSet, date time.Time) (imap.UID, error)
	AddFlags(uids []imap.UID, flags types.FlagSet) error
	RemoveFlags(uids []imap.UID, flags types.FlagSet) error
	Expunge(uids []imap.UID) error
	SearchMessageID(messageID string) (imap.UID, bool, error)
}

// Local is the slice of the Maildir store the reconciler needs.
type Local interface {
	Write(body []byte, flags types.FlagSet) (string, error)
	SetFlags(key string, flags types.FlagSet) error
	Flags(key string) (types.FlagSet, error)
	Remove(key string) error
	ReadMessage(key string) ([]byte, error)
	Scan() (map[string]types.MessageRef, error)
}

// StateStore persists the UID map and checkpoint between passes.
type StateStore interface {
	Save(state *cache.MailboxState) error
	Invalidate(mailbox string) error
	AddPendingAppend(mailbox, key, messageID string) error
	PendingAppends(mailbox string) (map[string]string, error)
	ClearPendingAppend(mailbox, key string) error
}

// Reconciler synchronizes one mailbox. It owns the working state; the
// monitor calls Sync whenever either side reports activity.
type Reconciler struct {
	remote Remote
	local  Local
	store  StateStore
	state  *cache.MailboxState
	logger *logrus.Entry

	// Keys whose pending-append record may be cleared once the state that
	// includes their assigned UID has been persisted.
	completed []string
}

// NewReconciler builds a reconciler around previously loaded state.
func NewReconciler(remote Remote, local Local, store StateStore, state *cache.MailboxState, logger *logrus.Entry) *Reconciler {
	return &Reconciler{
		remote: remote,
		local:  local,
		store:  store,
		state:  state,
		logger: logger,
	}
}

// Sync runs one full reconciliation pass and persists the resulting state.
func (r *Reconciler) Sync() error {
	snap, err := r.remote.Select(r.state.Mailbox)
	if err != nil {
		return err
	}

	if r.state.UIDValidity != 0 && snap.UIDValidity != r.state.UIDValidity {
		if err := r.invalidate(snap.UIDValidity); err != nil {
			return err
		}
	}
	r.state.UIDValidity = snap.UIDValidity

	if err := r.resolvePending(); err != nil {
		return err
	}

	if r.remote.SupportsQResync() && r.state.HighestModSeq != 0 {
		if err := r.syncRemoteDelta(snap); err != nil {
			// A rejected CHANGEDSINCE does not doom the pass; the full scan
			// produces the same final state.
			r.logger.WithError(err).Warn("Delta reconciliation failed, falling back to full scan")
			if err := r.syncRemoteFull(); err != nil {
				return err
			}
		}
	} else if err := r.syncRemoteFull(); err != nil {
		return err
	}

	if err := r.syncLocal(); err != nil {
		return err
	}

	// The checkpoint only moves once everything it covers has been applied.
	r.state.HighestModSeq = snap.HighestModSeq

	if err := r.store.Save(r.state); err != nil {
		return err
	}
	for _, key := range r.completed {
		if err := r.store.ClearPendingAppend(r.state.Mailbox, key); err != nil {
			return err
		}
	}
	r.completed = r.completed[:0]
	return nil
}

// invalidate handles a UIDVALIDITY change: every UID in the map now refers
// to nothing, so the mapped local copies and the durable state are discarded
// and the mailbox is rebuilt from the server. Local files that were never
// mapped survive and are pushed as new messages.
func (r *Reconciler) invalidate(newValidity uint32) error {
	r.logger.WithFields(logrus.Fields{
		"old": r.state.UIDValidity,
		"new": newValidity,
	}).Warn("UIDVALIDITY changed, rebuilding mailbox")

	for _, uid := range r.state.KnownUIDs() {
		if err := r.local.Remove(r.state.Refs[uid].Key); err != nil {
			return err
		}
	}
	if err := r.store.Invalidate(r.state.Mailbox); err != nil {
		return err
	}
	r.state.Reset()
	return nil
}

// syncRemoteFull reconciles against a complete enumeration of the mailbox.
func (r *Reconciler) syncRemoteFull() error {
	remote, err := r.remote.FetchAll()
	if err != nil {
		return err
	}

	present := make(map[imap.UID]bool, len(remote))
	for _, msg := range remote {
		present[msg.UID] = true
		if err := r.applyRemote(msg); err != nil {
			return err
		}
	}

	for _, uid := range r.state.KnownUIDs() {
		if present[uid] {
			continue
		}
		if err := r.removeLocal(uid); err != nil {
			return err
		}
	}
	return nil
}

// syncRemoteDelta reconciles using CHANGEDSINCE. New and modified messages
// carry a MODSEQ above the checkpoint, so one fetch covers both. Expunges
// are detected by comparing the mapped count against the server's message
// count and, only on mismatch, diffing a UID-only listing.
func (r *Reconciler) syncRemoteDelta(snap *types.MailboxSnapshot) error {
	changed, err := r.remote.FetchChangedSince(r.state.HighestModSeq)
	if err != nil {
		return err
	}
	for _, msg := range changed {
		if err := r.applyRemote(msg); err != nil {
			return err
		}
	}

	if uint32(len(r.state.Refs)) == snap.NumMessages {
		return nil
	}

	uids, err := r.remote.ListUIDs()
	if err != nil {
		return err
	}
	present := make(map[imap.UID]bool, len(uids))
	for _, uid := range uids {
		present[uid] = true
	}
	for _, uid := range r.state.KnownUIDs() {
		if present[uid] {
			continue
		}
		if err := r.removeLocal(uid); err != nil {
			return err
		}
	}
	return nil
}

// applyRemote brings the local copy of one message in line with the server's
// summary of it.
func (r *Reconciler) applyRemote(msg types.RemoteMessage) error {
	ref, known := r.state.Refs[msg.UID]
	if !known {
		return r.fetchNew(msg)
	}

	// A changed size or internal date means the stored content is stale
	// (some servers rewrite messages in place); refetch it.
	if (msg.Size > 0 && msg.Size != ref.Size) ||
		msg.InternalDate.UnixMilli() != ref.InternalDate.UnixMilli() {
		if err := r.local.Remove(ref.Key); err != nil {
			return err
		}
		delete(r.state.Refs, msg.UID)
		return r.fetchNew(msg)
	}

	if msg.Flags.Equal(ref.Flags) {
		return nil
	}
	if err := r.local.SetFlags(ref.Key, msg.Flags); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The file was deleted locally; the local pass will expunge it.
			return nil
		}
		return err
	}
	ref.Flags = msg.Flags
	r.state.Refs[msg.UID] = ref

	r.logger.WithFields(logrus.Fields{
		"uid":   uint32(msg.UID),
		"flags": msg.Flags.String(),
	}).Debug("Applied remote flag change")
	return nil
}

// fetchNew downloads a message and maps its UID to the new local file.
func (r *Reconciler) fetchNew(msg types.RemoteMessage) error {
	body, err := r.remote.FetchBody(msg.UID)
	if err != nil {
		return err
	}
	key, err := r.local.Write(body, msg.Flags)
	if err != nil {
		return err
	}
	r.state.Refs[msg.UID] = types.MessageRef{
		Key:          key,
		Flags:        msg.Flags,
		Size:         msg.Size,
		InternalDate: msg.InternalDate,
	}
	r.logger.WithFields(logrus.Fields{
		"uid": uint32(msg.UID),
		"key": key,
	}).Debug("Stored remote message")
	return nil
}

// removeLocal deletes the local copy of an expunged message and drops its
// mapping.
func (r *Reconciler) removeLocal(uid imap.UID) error {
	ref := r.state.Refs[uid]
	if err := r.local.Remove(ref.Key); err != nil {
		return err
	}
	delete(r.state.Refs, uid)
	r.logger.WithField("uid", uint32(uid)).Debug("Removed expunged message")
	return nil
}

// syncLocal scans the Maildir and pushes everything that changed locally
// since the last persisted state.
func (r *Reconciler) syncLocal() error {
	changes, err := r.detectLocalChanges()
	if err != nil {
		return err
	}
	for _, change := range changes {
		switch change.Kind {
		case types.LocalRemoved:
			if err := r.remote.Expunge([]imap.UID{change.UID}); err != nil {
				return err
			}
			delete(r.state.Refs, change.UID)
			r.logger.WithField("uid", uint32(change.UID)).Debug("Expunged locally deleted message")

		case types.LocalFlags:
			if err := r.pushFlags(change); err != nil {
				return err
			}

		case types.LocalNew:
			if err := r.pushNew(change); err != nil {
				return err
			}
		}
	}
	return nil
}

// detectLocalChanges diffs the on-disk Maildir against the UID map.
func (r *Reconciler) detectLocalChanges() ([]types.LocalChange, error) {
	onDisk, err := r.local.Scan()
	if err != nil {
		return nil, err
	}

	index := make(map[string]imap.UID, len(r.state.Refs))
	for uid, ref := range r.state.Refs {
		index[ref.Key] = uid
	}

	var changes []types.LocalChange
	for key, found := range onDisk {
		uid, mapped := index[key]
		if !mapped {
			changes = append(changes, types.LocalChange{
				Kind:  types.LocalNew,
				Key:   key,
				Flags: found.Flags,
			})
			continue
		}
		if !found.Flags.Equal(r.state.Refs[uid].Flags) {
			changes = append(changes, types.LocalChange{
				Kind:  types.LocalFlags,
				Key:   key,
				UID:   uid,
				Flags: found.Flags,
			})
		}
	}
	for _, uid := range r.state.KnownUIDs() {
		if _, exists := onDisk[r.state.Refs[uid].Key]; !exists {
			changes = append(changes, types.LocalChange{
				Kind: types.LocalRemoved,
				Key:  r.state.Refs[uid].Key,
				UID:  uid,
			})
		}
	}
	return changes, nil
}

// pushFlags propagates a local flag edit to the server as the minimal
// add/remove pair.
func (r *Reconciler) pushFlags(change types.LocalChange) error {
	ref := r.state.Refs[change.UID]
	add, del := ref.Flags.Diff(change.Flags)
	if !add.Empty() {
		if err := r.remote.AddFlags([]imap.UID{change.UID}, add); err != nil {
			return err
		}
	}
	if !del.Empty() {
		if err := r.remote.RemoveFlags([]imap.UID{change.UID}, del); err != nil {
			return err
		}
	}
	ref.Flags = change.Flags
	r.state.Refs[change.UID] = ref

	r.logger.WithFields(logrus.Fields{
		"uid":   uint32(change.UID),
		"flags": change.Flags.String(),
	}).Debug("Pushed local flag change")
	return nil
}

// resolvePending settles appends of unknown outcome from a previous run,
// before the remote pass can mistake their messages for fresh server-side
// mail. A pending key whose message is found on the server adopts the
// existing UID; one that is not found simply stays unmapped and is appended
// again by the local pass. Messages with a Message-Id header are located by
// SEARCH; headerless ones are matched byte-for-byte against unmapped remote
// messages, since re-appending on a blind miss would duplicate them.
func (r *Reconciler) resolvePending() error {
	pending, err := r.store.PendingAppends(r.state.Mailbox)
	if err != nil {
		return err
	}
	for key, messageID := range pending {
		if _, mapped := r.state.ByKey(key); mapped {
			r.completed = append(r.completed, key)
			continue
		}
		var uid imap.UID
		var found bool
		if messageID != "" {
			uid, found, err = r.remote.SearchMessageID(messageID)
		} else {
			uid, found, err = r.matchPendingByContent(key)
		}
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		flags, err := r.local.Flags(key)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		ref := types.MessageRef{Key: key, Flags: flags}
		if summaries, err := r.remote.FetchUIDs([]imap.UID{uid}); err == nil && len(summaries) == 1 {
			ref.Size = summaries[0].Size
			ref.InternalDate = summaries[0].InternalDate
		}
		r.state.Refs[uid] = ref
		r.completed = append(r.completed, key)

		r.logger.WithFields(logrus.Fields{
			"uid": uint32(uid),
			"key": key,
		}).Info("Recovered interrupted append")
	}
	return nil
}

// matchPendingByContent resolves a pending key whose message carries no
// Message-Id header: the local file is compared byte-for-byte against every
// unmapped remote message of the same size.
func (r *Reconciler) matchPendingByContent(key string) (imap.UID, bool, error) {
	body, err := r.local.ReadMessage(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}

	summaries, err := r.remote.FetchAll()
	if err != nil {
		return 0, false, err
	}
	for _, msg := range summaries {
		if _, mapped := r.state.Refs[msg.UID]; mapped {
			continue
		}
		if msg.Size > 0 && msg.Size != int64(len(body)) {
			continue
		}
		remote, err := r.remote.FetchBody(msg.UID)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(remote, body) {
			return msg.UID, true, nil
		}
	}
	return 0, false, nil
}

// pushNew uploads an unmapped local message and records the UID the server
// assigned. The pending-append record is written before the APPEND and
// cleared only after the assigned UID has been persisted, so an append can
// never silently run twice.
func (r *Reconciler) pushNew(change types.LocalChange) error {
	body, err := r.local.ReadMessage(change.Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := r.store.AddPendingAppend(r.state.Mailbox, change.Key, extractMessageID(body)); err != nil {
		return err
	}
	uid, err := r.remote.Append(body, change.Flags, time.Time{})
	if err != nil {
		return err
	}

	ref := types.MessageRef{
		Key:   change.Key,
		Flags: change.Flags,
		Size:  int64(len(body)),
	}
	// The server's view of size and internal date is authoritative; storing
	// our own guess would read as content drift on the next pass.
	if summaries, err := r.remote.FetchUIDs([]imap.UID{uid}); err == nil && len(summaries) == 1 {
		ref.Size = summaries[0].Size
		ref.InternalDate = summaries[0].InternalDate
	}
	r.state.Refs[uid] = ref
	r.completed = append(r.completed, change.Key)

	// A message delivered into new has been uploaded; move it to cur so the
	// next scan sees it as settled.
	if err := r.local.SetFlags(change.Key, change.Flags); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"uid": uint32(uid),
		"key": change.Key,
	}).Info("Uploaded local message")
	return nil
}

func extractMessageID(body []byte) string {
	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Trim(env.GetHeader("Message-Id"), "<>")
}
