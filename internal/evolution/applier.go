package evolution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"okami/internal/config"
	"okami/internal/knowledge"
	"okami/internal/logging"
)

// Outcome statuses per change.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeProposed = "proposed"
)

const defaultMaxChanges = 10

// minContentLength guards against the analysis crew emitting a bare path or
// a stub instead of real knowledge text.
const minContentLength = 16

const lockFileName = ".applier.lock"
const lockStaleAfter = 5 * time.Minute

// Outcome is one change's result. Diff is a compact before/after preview for
// applied updates.
type Outcome struct {
	Change Change `json:"change"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Diff   string `json:"diff,omitempty"`
}

// Applier lands parsed changes in the knowledge corpus under the safety
// envelope: writes confined to the corpus root, a per-run change cap, stub
// rejection, and backup-verified application.
type Applier struct {
	store      *knowledge.Store
	maxChanges int
	metrics    *Metrics
	logger     *logging.Logger
}

// NewApplier builds an applier against the given corpus.
func NewApplier(store *knowledge.Store, cfg config.EvolutionConfig, metrics *Metrics) *Applier {
	maxChanges := cfg.MaxChanges
	if maxChanges <= 0 {
		maxChanges = defaultMaxChanges
	}
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	return &Applier{
		store:      store,
		maxChanges: maxChanges,
		metrics:    metrics,
		logger:     logging.NewComponentLogger("evolution"),
	}
}

// Apply executes every change and reports per-change outcomes. Runs are
// serialized process-wide and across processes by an advisory lock file so
// two passes never touch the same document.
func (a *Applier) Apply(ctx context.Context, changes []Change) []Outcome {
	unlock, err := a.acquireLock(ctx)
	if err != nil {
		a.logger.Warn("applier lock unavailable: %v", err)
		outcomes := make([]Outcome, 0, len(changes))
		for _, change := range changes {
			outcomes = append(outcomes, a.record(change, OutcomeFailed, "applier lock unavailable"))
		}
		return outcomes
	}
	defer unlock()

	outcomes := make([]Outcome, 0, len(changes))
	applied := 0
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, a.record(change, OutcomeFailed, "cancelled"))
			continue
		}
		if applied >= a.maxChanges {
			outcomes = append(outcomes, a.propose(ctx, change, fmt.Sprintf("max_changes cap of %d reached", a.maxChanges)))
			continue
		}

		outcome := a.applyOne(ctx, change)
		outcomes = append(outcomes, outcome)
		if outcome.Status == OutcomeApplied {
			applied++
		}
	}
	return outcomes
}

func (a *Applier) applyOne(ctx context.Context, change Change) Outcome {
	switch change.Type {
	case TypeAddKnowledge:
		return a.applyAdd(ctx, change)
	case TypeUpdateKnowledge:
		return a.applyUpdate(ctx, change)
	default:
		return a.propose(ctx, change, fmt.Sprintf("change type %q is not applied directly", change.Type))
	}
}

func (a *Applier) applyAdd(ctx context.Context, change Change) Outcome {
	if !a.store.Contains(change.File) {
		return a.propose(ctx, change, fmt.Sprintf("target %q escapes the knowledge root", change.File))
	}
	if looksLikeStub(change.Content) {
		return a.record(change, OutcomeSkipped, "content appears to be a path or stub")
	}

	category := change.Category
	if category == "" {
		category = knowledge.DetectCategory(change.File)
	}

	res := a.store.Add(ctx, knowledge.AddRequest{
		Category: category,
		Path:     change.File,
		Title:    change.Title,
		Content:  change.Content,
		Tags:     change.Tags,
		Reason:   change.Reason,
	})
	return a.verifyResult(change, res)
}

func (a *Applier) applyUpdate(ctx context.Context, change Change) Outcome {
	if !a.store.Contains(change.File) {
		return a.propose(ctx, change, fmt.Sprintf("target %q escapes the knowledge root", change.File))
	}
	if looksLikeStub(change.Content) {
		return a.record(change, OutcomeSkipped, "content appears to be a path or stub")
	}

	operation := change.Operation
	if operation == "" {
		operation = knowledge.OpAppend
	}

	before, _ := a.store.ReadFile(change.File)
	res := a.store.Update(ctx, knowledge.UpdateRequest{
		Path:      change.File,
		Section:   change.Section,
		Content:   change.Content,
		Operation: operation,
		Reason:    change.Reason,
	})
	outcome := a.verifyResult(change, res)
	if outcome.Status == OutcomeApplied {
		if after, err := a.store.ReadFile(res.Path); err == nil {
			outcome.Diff = diffPreview(before, after)
		}
	}
	return outcome
}

// diffPreview summarizes an update as inserted/deleted character counts plus
// the first inserted fragment, enough for the log and the run record.
func diffPreview(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	inserted, deleted := 0, 0
	firstInsert := ""
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
			if firstInsert == "" {
				firstInsert = strings.TrimSpace(d.Text)
			}
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		}
	}
	preview := fmt.Sprintf("+%d/-%d chars", inserted, deleted)
	if firstInsert != "" {
		preview += ": " + clipReason(firstInsert)
	}
	return preview
}

// verifyResult maps a store result onto an outcome and, for applied writes,
// confirms the post-state on disk actually carries the change.
func (a *Applier) verifyResult(change Change, res knowledge.Result) Outcome {
	switch res.Status {
	case knowledge.StatusApplied:
		content, err := a.store.ReadFile(res.Path)
		if err != nil {
			return a.record(change, OutcomeFailed, fmt.Sprintf("post-state verify: %v", err))
		}
		if !strings.Contains(content, strings.TrimSpace(change.Content)) {
			return a.record(change, OutcomeFailed, "post-state verify: content missing from document")
		}
		return a.record(change, OutcomeApplied, res.Reason)
	case knowledge.StatusSkipped:
		return a.record(change, OutcomeSkipped, res.Reason)
	default:
		return a.record(change, OutcomeFailed, res.Reason)
	}
}

func (a *Applier) propose(ctx context.Context, change Change, reason string) Outcome {
	p := knowledge.Proposal{
		Type:       change.Type,
		TargetPath: firstNonEmpty(change.TargetPath, change.File),
		Field:      change.Field,
		Value:      firstNonEmpty(change.Value, clipReason(change.Content)),
		Reason:     firstNonEmpty(change.Reason, reason),
	}
	if err := a.store.RecordProposal(ctx, p); err != nil {
		return a.record(change, OutcomeFailed, fmt.Sprintf("record proposal: %v", err))
	}
	return a.record(change, OutcomeProposed, reason)
}

func (a *Applier) record(change Change, status, reason string) Outcome {
	a.metrics.ObserveChange(change.Type, status)
	a.logger.Info("change type=%s target=%s outcome=%s reason=%s", change.Type, change.File, status, reason)
	return Outcome{Change: change, Status: status, Reason: reason}
}

// acquireLock takes the advisory lock file under the corpus root, breaking a
// lock older than lockStaleAfter.
func (a *Applier) acquireLock(ctx context.Context) (func(), error) {
	path := filepath.Join(a.store.Root(), lockFileName)
	deadline := time.Now().Add(10 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d at=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			a.logger.Warn("breaking stale applier lock from %s", info.ModTime().Format(time.RFC3339))
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock held at %s", path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func looksLikeStub(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < minContentLength {
		return true
	}
	if !strings.ContainsAny(trimmed, " \t\n") && (strings.Contains(trimmed, "/") || strings.HasSuffix(trimmed, ".md")) {
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clipReason(s string) string {
	if len(s) <= 120 {
		return s
	}
	cut := 120
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
