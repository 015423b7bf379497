package filtering

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ExcludedCandidate is one entry of an exclude file.
type ExcludedCandidate struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ExcludedCandidates is the content of an exclude file.
type ExcludedCandidates struct {
	Items []ExcludedCandidate `json:"items"`
}

// IDs returns the excluded candidate ids.
func (e *ExcludedCandidates) IDs() []string {
	ids := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// ReadExcludeFile reads candidate ids to exclude. The file is either the JSON
// document written by WriteExcludeFile or plain text with one id per line;
// blank lines and lines starting with # are ignored. An empty file excludes
// nothing.
func ReadExcludeFile(path string) (*ExcludedCandidates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &ExcludedCandidates{}, nil
	}

	if trimmed[0] == '{' {
		var excluded ExcludedCandidates
		if err := json.Unmarshal(trimmed, &excluded); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return &excluded, nil
	}

	var excluded ExcludedCandidates
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		excluded.Items = append(excluded.Items, ExcludedCandidate{ID: line})
	}
	return &excluded, scanner.Err()
}

// WriteExcludeFile writes the excluded candidates as JSON.
func WriteExcludeFile(path string, excluded *ExcludedCandidates) error {
	data, err := json.MarshalIndent(excluded, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
