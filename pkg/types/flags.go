package types

import (
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"
)

// FlagSet is the canonical flag set carried by a message on both sides of a
// sync. It covers the five flags that have both an IMAP system flag and a
// Maildir filename letter; anything else a server advertises is ignored.
type FlagSet struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
}

// FlagSetFromIMAP translates IMAP system flags into a FlagSet.
func FlagSetFromIMAP(flags []imap.Flag) FlagSet {
	var fs FlagSet
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			fs.Seen = true
		case imap.FlagAnswered:
			fs.Answered = true
		case imap.FlagFlagged:
			fs.Flagged = true
		case imap.FlagDeleted:
			fs.Deleted = true
		case imap.FlagDraft:
			fs.Draft = true
		}
	}
	return fs
}

// FlagSetFromMaildir translates Maildir filename flags into a FlagSet.
func FlagSetFromMaildir(flags []maildir.Flag) FlagSet {
	var fs FlagSet
	for _, f := range flags {
		switch f {
		case maildir.FlagSeen:
			fs.Seen = true
		case maildir.FlagReplied:
			fs.Answered = true
		case maildir.FlagFlagged:
			fs.Flagged = true
		case maildir.FlagTrashed:
			fs.Deleted = true
		case maildir.FlagDraft:
			fs.Draft = true
		}
	}
	return fs
}

// ParseFlagString parses the compact "DFRST" encoding produced by String.
func ParseFlagString(s string) FlagSet {
	var fs FlagSet
	for _, c := range s {
		switch c {
		case 'D':
			fs.Draft = true
		case 'F':
			fs.Flagged = true
		case 'R':
			fs.Answered = true
		case 'S':
			fs.Seen = true
		case 'T':
			fs.Deleted = true
		}
	}
	return fs
}

// IMAP returns the set as IMAP system flags.
func (fs FlagSet) IMAP() []imap.Flag {
	var out []imap.Flag
	if fs.Seen {
		out = append(out, imap.FlagSeen)
	}
	if fs.Answered {
		out = append(out, imap.FlagAnswered)
	}
	if fs.Flagged {
		out = append(out, imap.FlagFlagged)
	}
	if fs.Deleted {
		out = append(out, imap.FlagDeleted)
	}
	if fs.Draft {
		out = append(out, imap.FlagDraft)
	}
	return out
}

// Maildir returns the set as Maildir filename flags.
func (fs FlagSet) Maildir() []maildir.Flag {
	var out []maildir.Flag
	if fs.Seen {
		out = append(out, maildir.FlagSeen)
	}
	if fs.Answered {
		out = append(out, maildir.FlagReplied)
	}
	if fs.Flagged {
		out = append(out, maildir.FlagFlagged)
	}
	if fs.Deleted {
		out = append(out, maildir.FlagTrashed)
	}
	if fs.Draft {
		out = append(out, maildir.FlagDraft)
	}
	return out
}

// String renders the set in the Maildir letter order used on disk ("DFRST").
func (fs FlagSet) String() string {
	var b strings.Builder
	if fs.Draft {
		b.WriteByte('D')
	}
	if fs.Flagged {
		b.WriteByte('F')
	}
	if fs.Answered {
		b.WriteByte('R')
	}
	if fs.Seen {
		b.WriteByte('S')
	}
	if fs.Deleted {
		b.WriteByte('T')
	}
	return b.String()
}

// Equal reports whether both sets carry the same flags.
func (fs FlagSet) Equal(other FlagSet) bool {
	return fs == other
}

// Diff returns the flags present in other but not in fs (add) and the flags
// present in fs but not in other (del).
func (fs FlagSet) Diff(other FlagSet) (add, del FlagSet) {
	add = FlagSet{
		Seen:     other.Seen && !fs.Seen,
		Answered: other.Answered && !fs.Answered,
		Flagged:  other.Flagged && !fs.Flagged,
		Deleted:  other.Deleted && !fs.Deleted,
		Draft:    other.Draft && !fs.Draft,
	}
	del = FlagSet{
		Seen:     fs.Seen && !other.Seen,
		Answered: fs.Answered && !other.Answered,
		Flagged:  fs.Flagged && !other.Flagged,
		Deleted:  fs.Deleted && !other.Deleted,
		Draft:    fs.Draft && !other.Draft,
	}
	return add, del
}

// Empty reports whether no flag is set.
func (fs FlagSet) Empty() bool {
	return fs == FlagSet{}
}
