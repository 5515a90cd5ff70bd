package stack

import (
	"fmt"
	"strings"
)

// AttributeReader reads record attributes.
type AttributeReader interface {
	Attribute(name string) (string, bool)
}

// AttributeWriter updates record attributes.
type AttributeWriter interface {
	SetAttribute(name, value string) error
	RemoveAttribute(name string) error
}

// Load reads the stack from the Attribute attribute. An absent or blank
// attribute is the empty stack.
func Load(r AttributeReader) (Stack, error) {
	text, ok := r.Attribute(Attribute)
	if !ok || strings.TrimSpace(text) == "" {
		return Stack{}, nil
	}
	return Unmarshal(text)
}

// Store writes s to the Attribute attribute, removing the attribute when s
// is empty.
func Store(w AttributeWriter, s Stack) error {
	if s.Depth() == 0 {
		if err := w.RemoveAttribute(Attribute); err != nil {
			return fmt.Errorf("remove %s: %w", Attribute, err)
		}
		return nil
	}
	text, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := w.SetAttribute(Attribute, text); err != nil {
		return fmt.Errorf("set %s: %w", Attribute, err)
	}
	return nil
}
