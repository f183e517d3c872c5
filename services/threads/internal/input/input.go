// Package input checks caller supplied fields at the service edge, before a
// request or command reaches the engine. The engine itself treats author ids
// and content as opaque.
package input

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxContentRunes bounds the length of a comment body.
const MaxContentRunes = 5000

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid input")

// Content trims surrounding whitespace and enforces the length bound.
func Content(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: content is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(s) > MaxContentRunes {
		return "", fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentRunes)
	}
	return s, nil
}

// ID requires a positive identifier; name is used in the message.
func ID(name string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalid, name)
	}
	return nil
}

func Author(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: author is required", ErrInvalid)
	}
	return nil
}

// Message returns the human part of a validation error.
func Message(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalid.Error()+": ")
}
