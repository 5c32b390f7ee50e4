package kaldi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Utterance is one entry of a Kaldi text archive.
type Utterance struct {
	Key    string
	Tokens []string
}

// ReadArchive reads a Kaldi text archive: one "<key> <token> <token> ..."
// entry per line. Blank lines are skipped; a key with no tokens is an empty
// utterance. Later duplicates of a key replace earlier ones in place.
func ReadArchive(r io.Reader) ([]Utterance, error) {
	var utts []Utterance
	index := make(map[string]int)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		u := Utterance{Key: fields[0], Tokens: fields[1:]}
		if i, ok := index[u.Key]; ok {
			utts[i] = u
			continue
		}
		index[u.Key] = len(utts)
		utts = append(utts, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNum, err)
	}
	return utts, nil
}

// ReadArchiveFile reads a text archive from disk. An "ark:" or "ark,t:"
// prefix on path is accepted and stripped.
func ReadArchiveFile(path string) ([]Utterance, error) {
	if i := strings.Index(path, ":"); i > 0 && strings.HasPrefix(path, "ark") {
		path = path[i+1:]
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	utts, err := ReadArchive(f)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}
	return utts, nil
}
