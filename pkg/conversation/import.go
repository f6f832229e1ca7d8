package conversation

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ImportText builds a conversation from a plain-text log. Each line that
// starts with one of names opens a new turn for that speaker; every other
// line continues the previous turn. Names may be given with or without the
// trailing colon ("Alice" or "Alice:").
//
// Lines before the first recognised name are attributed to DefaultSpeaker.
func ImportText(r io.Reader, names []string) (*Conversation, error) {
	prefixes := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSuffix(strings.TrimSpace(n), ":")
		if n != "" {
			prefixes = append(prefixes, n)
		}
	}

	conv := New()
	var current *Turn

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if speaker, rest, ok := matchSpeaker(line, prefixes); ok {
			if current != nil {
				conv.Push(*current)
			}
			t := NewTurn(speaker, rest)
			current = &t
			continue
		}
		if current == nil {
			t := NewTurn(DefaultSpeaker)
			current = &t
		}
		current.Lines = append(current.Lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "could not read text log")
	}
	if current != nil {
		conv.Push(*current)
	}

	return conv, nil
}

func matchSpeaker(line string, names []string) (string, string, bool) {
	for _, n := range names {
		if strings.HasPrefix(line, n+":") {
			return n, strings.TrimPrefix(line[len(n)+1:], " "), true
		}
	}
	return "", "", false
}
