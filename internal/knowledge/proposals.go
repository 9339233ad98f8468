package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	proposalsFile       = "proposals_log.json"
	suggestionsDocument = "system/config_suggestions.md"
)

// Proposal records a change that was not applied: config changes, writes
// escaping the corpus root, unknown change types, and max_changes surplus.
type Proposal struct {
	Type       string `json:"type"`
	TargetPath string `json:"target_path"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"created_at"`
}

var proposalsMu sync.Mutex

// RecordProposal appends the proposal to proposals_log.json and mirrors a
// human-readable entry into the config suggestions document.
func (s *Store) RecordProposal(ctx context.Context, p Proposal) error {
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().Format(time.RFC3339)
	}

	proposalsMu.Lock()
	logPath := filepath.Join(s.root, proposalsFile)
	proposals, _ := readProposals(logPath)
	proposals = append(proposals, p)
	raw, err := json.MarshalIndent(proposals, "", "  ")
	if err == nil {
		err = os.WriteFile(logPath, raw, 0o644)
	}
	proposalsMu.Unlock()
	if err != nil {
		return fmt.Errorf("write proposals log: %w", err)
	}

	entry := fmt.Sprintf("- **%s** `%s`: %s (%s)", p.Type, p.TargetPath, p.Reason, p.CreatedAt)
	res := s.Update(ctx, UpdateRequest{
		Path:      suggestionsDocument,
		Section:   "## Pending Suggestions",
		Content:   entry,
		Operation: OpAppend,
		Reason:    "proposal mirror",
	})
	if res.Status == StatusFailed {
		s.logger.Warn("mirror proposal to %s: %s", suggestionsDocument, res.Reason)
	}
	return nil
}

// PendingProposals returns how many proposals have been logged.
func (s *Store) PendingProposals() int {
	proposalsMu.Lock()
	defer proposalsMu.Unlock()
	proposals, _ := readProposals(filepath.Join(s.root, proposalsFile))
	return len(proposals)
}

// Proposals returns the full proposals log, oldest first.
func (s *Store) Proposals() ([]Proposal, error) {
	proposalsMu.Lock()
	defer proposalsMu.Unlock()
	return readProposals(filepath.Join(s.root, proposalsFile))
}

func readProposals(path string) ([]Proposal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var proposals []Proposal
	if err := json.Unmarshal(raw, &proposals); err != nil {
		return nil, fmt.Errorf("parse proposals log: %w", err)
	}
	return proposals, nil
}
