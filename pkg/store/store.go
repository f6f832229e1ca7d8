// Package store persists chat logs under short keys, either as JSON files
// in a directory or as rows of a SQLite database.
package store

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/conversation"
)

var (
	ErrNotFound   = errors.New("conversation not found")
	ErrInvalidKey = errors.New("invalid conversation key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]{0,126}[a-z0-9])?$`)

// Key names a stored conversation: lower case letters, digits, dot,
// underscore and dash, starting and ending with a letter or digit.
type Key string

func ParseKey(raw string) (Key, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !keyPattern.MatchString(normalized) {
		return "", errors.Wrapf(ErrInvalidKey, "%q", raw)
	}
	return Key(normalized), nil
}

func (k Key) String() string {
	return string(k)
}

// Store is the conversation persistence used by front ends.
type Store interface {
	Load(ctx context.Context, key Key) (*conversation.Conversation, error)
	Save(ctx context.Context, key Key, conv *conversation.Conversation) error
	// List returns the stored keys in ascending order.
	List(ctx context.Context) ([]Key, error)
	Delete(ctx context.Context, key Key) error
	Close() error
}

func MustParseKey(raw string) Key {
	k, err := ParseKey(raw)
	if err != nil {
		panic(err)
	}
	return k
}
