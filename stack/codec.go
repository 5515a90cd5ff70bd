package stack

import (
	"encoding/json"
	"fmt"

	"github.com/meigma/lens/archive"
)

// Marshal serializes s as a JSON array, newest level last.
// The empty stack serializes as "[]".
func Marshal(s Stack) (string, error) {
	views := make([]View, len(s.views))
	copy(views, s.views)
	for i := range views {
		if err := views[i].validate(); err != nil {
			return "", fmt.Errorf("level %d: %w", i, err)
		}
	}
	data, err := json.Marshal(views)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal parses text produced by Marshal. Malformed JSON and views that
// break the stash key invariant fail with ErrParse.
func Unmarshal(text string) (Stack, error) {
	var views []View
	if err := json.Unmarshal([]byte(text), &views); err != nil {
		return Stack{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if views == nil {
		// "null" is valid JSON but not a stack.
		return Stack{}, fmt.Errorf("%w: not an array", ErrParse)
	}
	for i := range views {
		if err := views[i].validate(); err != nil {
			return Stack{}, fmt.Errorf("level %d: %w", i, err)
		}
	}
	return New(views...), nil
}

// validate checks the invariants a persisted view must hold: every regular
// entry except the focused one has a stash key, and nothing else has one.
func (v *View) validate() error {
	if v.FormatName == "" {
		return fmt.Errorf("%w: missing format name", ErrParse)
	}
	if v.FormatCode == 0 {
		return fmt.Errorf("%w: missing format code", ErrParse)
	}
	switch v.Filter {
	case archive.FilterNone, archive.FilterGzip, archive.FilterZstd, archive.FilterEStargz:
	default:
		return fmt.Errorf("%w: unknown filter %q", ErrParse, v.Filter)
	}

	focused := v.FocusedIndex()
	for i := range v.Entries {
		e := &v.Entries[i]
		switch {
		case e.Name == "":
			return fmt.Errorf("%w: entry %d has no name", ErrParse, i)
		case e.Kind != archive.KindRegular && e.StashKey != "":
			return fmt.Errorf("%w: %s entry %q has a stash key", ErrParse, e.Kind, e.Name)
		case e.Kind == archive.KindRegular && i == focused && e.StashKey != "":
			return fmt.Errorf("%w: focused entry %q has a stash key", ErrParse, e.Name)
		case e.Kind == archive.KindRegular && i != focused && e.StashKey == "":
			return fmt.Errorf("%w: entry %q has no stash key", ErrParse, e.Name)
		}
	}
	return nil
}
