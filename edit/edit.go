// Package edit applies structural edits to the entry list of a decoded
// archive: remove, copy, move and touch.
//
// Entry names are not unique within an archive. Every lookup, for the target
// and for the anchors, resolves to the first entry with the name.
package edit

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/meigma/lens/archive"
)

// Sentinel errors for edits.
var (
	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("edit: invalid operation")

	// ErrEntryMiss is returned in strict mode when a target or anchor
	// entry does not exist.
	ErrEntryMiss = errors.New("edit: entry not found")
)

// Kind selects the edit.
type Kind string

// Edit kinds.
const (
	Remove Kind = "remove"
	Copy   Kind = "copy"
	Move   Kind = "move"
	Touch  Kind = "touch"
)

// ParseKind parses an edit kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Remove, Copy, Move, Touch:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidOperation, s)
}

// Op is one structural edit.
type Op struct {
	Kind Kind

	// Target names the entry to remove, copy or move. Touch uses it as the
	// new entry's name when Destination is empty.
	Target string

	// Destination is the name given to the copied, moved or touched entry.
	Destination string

	// After and Before anchor the inserted entry. At most one may be set;
	// with neither the entry is appended.
	After  string
	Before string
}

func (op Op) validate() error {
	if op.After != "" && op.Before != "" {
		return fmt.Errorf("%w: both after (%q) and before (%q) set", ErrInvalidOperation, op.After, op.Before)
	}
	switch op.Kind {
	case Remove:
		if op.Target == "" {
			return fmt.Errorf("%w: remove needs a target", ErrInvalidOperation)
		}
	case Copy, Move:
		if op.Target == "" || op.Destination == "" {
			return fmt.Errorf("%w: %s needs a target and a destination", ErrInvalidOperation, op.Kind)
		}
	case Touch:
		if op.name() == "" {
			return fmt.Errorf("%w: touch needs a destination", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// name is the name of the entry an op inserts.
func (op Op) name() string {
	if op.Kind == Touch && op.Destination == "" {
		return op.Target
	}
	return op.Destination
}

// Stager manages the staging files behind regular entries.
type Stager interface {
	Clone(path string) (string, error)
	Remove(path string) error
}

// Editor applies edits. The zero value is not usable; use New.
type Editor struct {
	beforeMissAtHead bool
	strict           bool
	touchPerm        uint32
	logger           *slog.Logger
}

// New creates an Editor.
func New(opts ...Option) *Editor {
	e := &Editor{touchPerm: DefaultTouchPerm}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Editor) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Result reports how an edit resolved.
type Result struct {
	// Entries is the edited entry list.
	Entries []archive.Entry

	// Missed names the target or anchor that was not found, if any.
	// A missed target leaves Entries unchanged; a missed anchor falls back
	// to appending (or to the head, for Before with WithBeforeMissAtHead).
	Missed string
}

// Apply applies op to entries and returns the edited list. The input slice is
// not modified. Staging files of removed entries are released through st,
// and copies of regular entries get their own staging file.
func (e *Editor) Apply(entries []archive.Entry, op Op, st Stager) (*Result, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}

	switch op.Kind {
	case Remove:
		return e.remove(entries, op, st)
	case Touch:
		entry := archive.Entry{Header: archive.Header{
			Name: op.name(),
			Kind: archive.KindRegular,
			Perm: e.touchPerm,
		}}
		pos, missed, err := e.position(entries, op)
		if err != nil {
			return nil, err
		}
		return e.insert(entries, pos, entry, op, missed), nil
	default:
		return e.relocate(entries, op, st)
	}
}

func (e *Editor) remove(entries []archive.Entry, op Op, st Stager) (*Result, error) {
	i := index(entries, op.Target)
	if i < 0 {
		return e.miss(entries, op)
	}
	if err := st.Remove(entries[i].Staged); err != nil {
		return nil, fmt.Errorf("release %s: %w", op.Target, err)
	}
	e.log().Info("removed entry", "name", op.Target)
	return &Result{Entries: slices.Delete(slices.Clone(entries), i, i+1)}, nil
}

// relocate implements copy and move. Move takes the original out before the
// anchor is resolved, so an anchor naming the target itself finds the next
// entry with that name, if any.
func (e *Editor) relocate(entries []archive.Entry, op Op, st Stager) (*Result, error) {
	i := index(entries, op.Target)
	if i < 0 {
		return e.miss(entries, op)
	}

	entry := entries[i]
	entry.Name = op.Destination
	base := entries
	if op.Kind == Move {
		base = slices.Delete(slices.Clone(entries), i, i+1)
	}

	pos, missed, err := e.position(base, op)
	if err != nil {
		return nil, err
	}
	if op.Kind == Copy && entry.Kind == archive.KindRegular && entry.Staged != "" {
		clone, err := st.Clone(entry.Staged)
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", op.Target, err)
		}
		entry.Staged = clone
	}
	return e.insert(base, pos, entry, op, missed), nil
}

// position resolves the op's anchor to an insert position in entries.
func (e *Editor) position(entries []archive.Entry, op Op) (pos int, missed string, err error) {
	pos = len(entries)
	switch {
	case op.After != "":
		if i := index(entries, op.After); i >= 0 {
			return i + 1, "", nil
		}
		missed = op.After
	case op.Before != "":
		if i := index(entries, op.Before); i >= 0 {
			return i, "", nil
		}
		missed = op.Before
		if e.beforeMissAtHead {
			pos = 0
		}
	default:
		return pos, "", nil
	}

	if e.strict {
		return 0, "", fmt.Errorf("%w: anchor %q", ErrEntryMiss, missed)
	}
	e.log().Warn("anchor entry not found, using fallback position", "anchor", missed, "position", pos)
	return pos, missed, nil
}

func (e *Editor) insert(entries []archive.Entry, pos int, entry archive.Entry, op Op, missed string) *Result {
	out := slices.Insert(slices.Clone(entries), pos, entry)
	e.log().Info("inserted entry", "op", string(op.Kind), "name", entry.Name, "position", pos)
	return &Result{Entries: out, Missed: missed}
}

func (e *Editor) miss(entries []archive.Entry, op Op) (*Result, error) {
	if e.strict {
		return nil, fmt.Errorf("%w: %s target %q", ErrEntryMiss, op.Kind, op.Target)
	}
	e.log().Warn("target entry not found, nothing to do", "op", string(op.Kind), "target", op.Target)
	return &Result{Entries: slices.Clone(entries), Missed: op.Target}, nil
}

func index(entries []archive.Entry, name string) int {
	return slices.IndexFunc(entries, func(e archive.Entry) bool { return e.Name == name })
}
