package conversation

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

type Memory struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MemoryFile is a JSON document of recalled key/value snippets attached to
// a chat log through its memory_files list.
type MemoryFile struct {
	Memories []Memory `json:"memories"`
}

func LoadMemoryFile(path string) (*MemoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read memory file")
	}
	mf := &MemoryFile{}
	if err := json.Unmarshal(data, mf); err != nil {
		return nil, errors.Wrapf(err, "could not decode memory file %s", path)
	}
	return mf, nil
}

func (m *MemoryFile) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not encode memory file")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "could not write memory file")
}
