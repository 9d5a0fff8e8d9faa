package types

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

// RemoteMessage is the metadata the server reports for one message.
type RemoteMessage struct {
	UID          imap.UID
	Flags        FlagSet
	InternalDate time.Time
	Size         int64
}

// MessageRef points at the local copy of a remote message: the Maildir key
// of the file plus the flags, size and internal date last written to it.
type MessageRef struct {
	Key          string
	Flags        FlagSet
	Size         int64
	InternalDate time.Time
}

// MailboxSnapshot is the state of a mailbox as reported by SELECT.
type MailboxSnapshot struct {
	Mailbox       string
	UIDValidity   uint32
	HighestModSeq uint64
	NumMessages   uint32
}

// LocalChangeKind classifies a change observed in the local Maildir.
type LocalChangeKind int

const (
	// LocalNew is a message file with no UID mapping yet.
	LocalNew LocalChangeKind = iota
	// LocalFlags is a mapped message whose filename flags drifted from the
	// last synced state.
	LocalFlags
	// LocalRemoved is a mapped message whose file is gone.
	LocalRemoved
)

func (k LocalChangeKind) String() string {
	switch k {
	case LocalNew:
		return "new"
	case LocalFlags:
		return "flags"
	case LocalRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// LocalChange is one pending local-origin change. Key is always set; UID is
// zero for LocalNew. Flags carries the current on-disk flags for LocalNew
// and LocalFlags.
type LocalChange struct {
	Kind  LocalChangeKind
	Key   string
	UID   imap.UID
	Flags FlagSet
}
