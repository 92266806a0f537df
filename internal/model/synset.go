package model

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SynsetFileName is the file holding one class label per line.
const SynsetFileName = "synset.txt"

// SaveSynset writes the synset to dir and returns the file path.
func SaveSynset(dir string, synset []string) (string, error) {
	path := filepath.Join(dir, SynsetFileName)
	if err := os.WriteFile(path, []byte(strings.Join(synset, "\n")), 0644); err != nil {
		return "", fmt.Errorf("write synset: %w", err)
	}
	return path, nil
}

// LoadSynset reads a synset, skipping blank lines.
func LoadSynset(r io.Reader) ([]string, error) {
	var synset []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			synset = append(synset, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read synset: %w", err)
	}
	if len(synset) == 0 {
		return nil, fmt.Errorf("synset is empty")
	}
	return synset, nil
}
