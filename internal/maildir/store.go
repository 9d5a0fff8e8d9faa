// Package maildir adapts a Maildir tree to the sync engine: it writes and
// flags message files per the Maildir naming convention, scans for local
// drift against the UID map, and watches the tree for external changes.
package maildir

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/sirupsen/logrus"

	"github.com/mwarren/mailsyncd/pkg/types"
)

var deliveryCounter uint32

// Store reads and writes one mailbox's Maildir directory.
type Store struct {
	dir    maildir.Dir
	path   string
	logger *logrus.Entry
}

// NewStore opens (creating if necessary) the Maildir for a mailbox under
// root/account/mailbox.
func NewStore(root, account, mailbox string, logger *logrus.Logger) (*Store, error) {
	path := filepath.Join(root, account, safeName(mailbox))
	// Init only creates the leaf tmp/new/cur, so the account directory has
	// to exist first.
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create maildir %s: %w", path, err)
	}
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("failed to create maildir %s: %w", path, err)
	}
	return &Store{
		dir:  dir,
		path: path,
		logger: logger.WithFields(logrus.Fields{
			"account": account,
			"mailbox": mailbox,
		}),
	}, nil
}

// Path returns the mailbox's Maildir root.
func (s *Store) Path() string {
	return s.path
}

// Write stores a message body. Flagged messages go straight into cur with
// their flags encoded; messages without any flags are delivered into new,
// where a local MUA expects to find fresh mail. Both paths write the full
// message to tmp and rename it into place. A file lives in new exactly when
// it carries no flags.
func (s *Store) Write(body []byte, flags types.FlagSet) (string, error) {
	if !flags.Empty() {
		key, w, err := s.dir.Create(flags.Maildir())
		if err != nil {
			return "", fmt.Errorf("failed to create message: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			w.Close()
			return "", fmt.Errorf("failed to write message: %w", err)
		}
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("failed to finish message: %w", err)
		}
		return key, nil
	}

	key := newKey()
	tmpPath := filepath.Join(s.path, "tmp", key)
	if err := os.WriteFile(tmpPath, body, 0600); err != nil {
		return "", fmt.Errorf("failed to write tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.path, "new", key)); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("failed to deliver message: %w", err)
	}
	return key, nil
}

// MoveToCur moves a message from new into cur, encoding the given flags in
// its filename.
func (s *Store) MoveToCur(key string, flags types.FlagSet) error {
	src := filepath.Join(s.path, "new", key)
	dst := filepath.Join(s.path, "cur", key+":2,"+flags.String())
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s to cur: %w", key, err)
	}
	return nil
}

// SetFlags rewrites the flag part of the message's filename. A message still
// sitting in new is moved to cur in the process.
func (s *Store) SetFlags(key string, flags types.FlagSet) error {
	if s.inNew(key) {
		return s.MoveToCur(key, flags)
	}
	if err := s.dir.SetFlags(key, flags.Maildir()); err != nil {
		var keyErr *maildir.KeyError
		if errors.As(err, &keyErr) {
			return fmt.Errorf("message %s: %w", key, os.ErrNotExist)
		}
		return fmt.Errorf("failed to set flags on %s: %w", key, err)
	}
	return nil
}

// Flags returns the flags currently encoded in the message's filename.
// Messages in new carry no flags by definition.
func (s *Store) Flags(key string) (types.FlagSet, error) {
	if s.inNew(key) {
		return types.FlagSet{}, nil
	}
	flags, err := s.dir.Flags(key)
	if err != nil {
		var keyErr *maildir.KeyError
		if errors.As(err, &keyErr) {
			return types.FlagSet{}, fmt.Errorf("message %s: %w", key, os.ErrNotExist)
		}
		return types.FlagSet{}, fmt.Errorf("failed to read flags of %s: %w", key, err)
	}
	return types.FlagSetFromMaildir(flags), nil
}

// Remove deletes the message file. A message already gone is not an error;
// it may have been deleted on both sides.
func (s *Store) Remove(key string) error {
	if s.inNew(key) {
		err := os.Remove(filepath.Join(s.path, "new", key))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
		return nil
	}
	err := s.dir.Remove(key)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	var keyErr *maildir.KeyError
	if errors.As(err, &keyErr) {
		return nil
	}
	return fmt.Errorf("failed to remove %s: %w", key, err)
}

// ReadMessage returns the full message body.
func (s *Store) ReadMessage(key string) ([]byte, error) {
	if s.inNew(key) {
		body, err := os.ReadFile(filepath.Join(s.path, "new", key))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		return body, nil
	}
	r, err := s.dir.Open(key)
	if err != nil {
		var keyErr *maildir.KeyError
		if errors.As(err, &keyErr) {
			return nil, fmt.Errorf("message %s: %w", key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return body, nil
}

// Scan lists every message in new and cur with its current flags and size.
func (s *Store) Scan() (map[string]types.MessageRef, error) {
	refs := make(map[string]types.MessageRef)

	entries, err := os.ReadDir(filepath.Join(s.path, "new"))
	if err != nil {
		return nil, fmt.Errorf("failed to list new: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ref := types.MessageRef{Key: keyOf(e.Name())}
		if info, err := e.Info(); err == nil {
			ref.Size = info.Size()
		}
		refs[ref.Key] = ref
	}

	keys, err := s.dir.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list cur: %w", err)
	}
	for _, key := range keys {
		flags, err := s.dir.Flags(key)
		if err != nil {
			// The file may have been removed mid-scan.
			s.logger.WithError(err).WithField("key", key).Debug("Skipping unreadable entry")
			continue
		}
		ref := types.MessageRef{
			Key:   key,
			Flags: types.FlagSetFromMaildir(flags),
		}
		if name, err := s.dir.Filename(key); err == nil {
			if info, err := os.Stat(name); err == nil {
				ref.Size = info.Size()
			}
		}
		refs[key] = ref
	}
	return refs, nil
}

func (s *Store) inNew(key string) bool {
	_, err := os.Stat(filepath.Join(s.path, "new", key))
	return err == nil
}

// newKey generates a Maildir-unique filename component.
func newKey() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.NewReplacer("/", "\\057", ":", "\\072").Replace(host)
	n := atomic.AddUint32(&deliveryCounter, 1)
	return fmt.Sprintf("%d.%d_%d%08x.%s",
		time.Now().Unix(), os.Getpid(), n, rand.Uint32(), host)
}

// keyOf strips the flag suffix from a Maildir filename.
func keyOf(name string) string {
	if i := strings.Index(name, ":2,"); i >= 0 {
		return name[:i]
	}
	return name
}

// safeName maps an IMAP mailbox name to a single path component.
func safeName(mailbox string) string {
	return strings.ReplaceAll(mailbox, "/", ".")
}
