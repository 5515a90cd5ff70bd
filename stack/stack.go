// Package stack implements the lens stack: the ordered record of nested
// archive focus operations, persisted as one JSON text attribute.
//
// Each level is a View of the archive that was focused: its format, the
// focused entry name, and the entries in archive order. Regular entries other
// than the focused one carry the stash key their content was stashed under.
package stack

import (
	"errors"
	"time"

	"github.com/meigma/lens/archive"
)

// Attribute is the record attribute holding the serialized stack.
const Attribute = "lens.archive.stack"

// Sentinel errors for stack operations.
var (
	// ErrParse is returned for malformed stack text.
	ErrParse = errors.New("stack: malformed lens stack")

	// ErrEmpty is returned when popping an empty stack.
	ErrEmpty = errors.New("stack: empty lens stack")
)

// Entry is one archive entry as recorded in a View.
type Entry struct {
	Name       string       `json:"name" yaml:"name"`
	Kind       archive.Kind `json:"kind" yaml:"kind"`
	Permission uint32       `json:"permission" yaml:"permission"`
	StashKey   string       `json:"stashKey,omitempty" yaml:"stashKey,omitempty"`
	LinkTarget string       `json:"linkTarget,omitempty" yaml:"linkTarget,omitempty"`
	ModTime    int64        `json:"modTime,omitempty" yaml:"modTime,omitempty"`
}

// Header converts the entry to an archive header.
func (e *Entry) Header() archive.Header {
	h := archive.Header{
		Name:     e.Name,
		Kind:     e.Kind,
		Perm:     e.Permission,
		Linkname: e.LinkTarget,
	}
	if e.ModTime != 0 {
		h.ModTime = time.Unix(e.ModTime, 0)
	}
	return h
}

// EntryFromHeader records an archive header.
func EntryFromHeader(h archive.Header) Entry {
	e := Entry{
		Name:       h.Name,
		Kind:       h.Kind,
		Permission: h.Perm,
		LinkTarget: h.Linkname,
	}
	if !h.ModTime.IsZero() {
		e.ModTime = h.ModTime.Unix()
	}
	return e
}

// View is one level of the stack: the archive that was focused.
//
// A level without entries holds an empty, non-nil Entries slice once it is
// on a Stack, whether it was pushed with nil or decoded from "[]".
type View struct {
	FormatName   string         `json:"formatName" yaml:"formatName"`
	FormatCode   int            `json:"formatCode" yaml:"formatCode"`
	Filter       archive.Filter `json:"filter,omitempty" yaml:"filter,omitempty"`
	FocusedEntry string         `json:"focusedEntry,omitempty" yaml:"focusedEntry,omitempty"`
	Entries      []Entry        `json:"entries" yaml:"entries"`
}

// Format returns the archive format the view was decoded from.
func (v *View) Format() archive.Format {
	return archive.Format{Name: v.FormatName, Code: v.FormatCode, Filter: v.Filter}
}

// FocusedIndex returns the index of the focused entry: the first regular
// entry named FocusedEntry. It returns -1 when no entry is focused.
func (v *View) FocusedIndex() int {
	if v.FocusedEntry == "" {
		return -1
	}
	for i := range v.Entries {
		if v.Entries[i].Kind == archive.KindRegular && v.Entries[i].Name == v.FocusedEntry {
			return i
		}
	}
	return -1
}

// Stack is an ordered sequence of views, newest last.
// The zero value is an empty stack.
type Stack struct {
	views []View
}

// New returns a stack holding views, oldest first.
func New(views ...View) Stack {
	if len(views) == 0 {
		return Stack{}
	}
	s := Stack{views: make([]View, 0, len(views))}
	for _, v := range views {
		s.Push(v)
	}
	return s
}

// Depth returns the number of levels.
func (s *Stack) Depth() int {
	return len(s.views)
}

// Push adds v as the new top level.
func (s *Stack) Push(v View) {
	if v.Entries == nil {
		v.Entries = []Entry{}
	}
	s.views = append(s.views, v)
}

// Pop removes and returns the top level.
func (s *Stack) Pop() (View, error) {
	if len(s.views) == 0 {
		return View{}, ErrEmpty
	}
	top := s.views[len(s.views)-1]
	s.views[len(s.views)-1] = View{}
	s.views = s.views[:len(s.views)-1]
	if len(s.views) == 0 {
		s.views = nil
	}
	return top, nil
}

// Top returns the top level without removing it.
func (s *Stack) Top() (View, bool) {
	if len(s.views) == 0 {
		return View{}, false
	}
	return s.views[len(s.views)-1], true
}

// Views returns the levels, oldest first. The slice must not be modified.
func (s *Stack) Views() []View {
	return s.views
}
