package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/conversation"
)

// FileStore keeps each conversation in <dir>/<key>.json, the format the
// chat log files use, so memory files next to it are loaded too.
type FileStore struct {
	dir string
}

var _ Store = &FileStore{}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "could not create store directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dir, key.String()+".json")
}

func (s *FileStore) Load(ctx context.Context, key Key) (*conversation.Conversation, error) {
	path := s.path(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	return conversation.LoadJSON(path)
}

func (s *FileStore) Save(ctx context.Context, key Key, conv *conversation.Conversation) error {
	if conv == nil {
		return errors.New("cannot save a nil conversation")
	}
	return conv.SaveJSON(s.path(key))
}

func (s *FileStore) List(ctx context.Context) ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "could not read store directory")
	}
	var keys []Key
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key, err := ParseKey(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *FileStore) Delete(ctx context.Context, key Key) error {
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "%s", key)
		}
		return errors.Wrap(err, "could not delete conversation")
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
