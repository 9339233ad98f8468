// Package knowledge manages the categorized markdown corpus: vector-indexed
// search, duplicate-checked adds, section-level updates with timestamped
// backups, and the JSON catalog that mirrors the on-disk layout.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"okami/internal/config"
	"okami/internal/errorx"
	"okami/internal/logging"
	"okami/internal/vector"
)

// Categories recognized in the corpus layout.
var Categories = []string{"agents", "crew", "system", "domain", "general"}

// Operation names for section updates.
const (
	OpAppend  = "append"
	OpReplace = "replace"
	OpInsert  = "insert"
)

// Result statuses.
const (
	StatusApplied = "applied"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// AddRequest creates a new knowledge document.
type AddRequest struct {
	Category string   `json:"category"`
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	Reason   string   `json:"reason"`
}

// UpdateRequest modifies a named section of an existing document. An empty
// Section treats the whole file as the section.
type UpdateRequest struct {
	Path      string `json:"path"`
	Section   string `json:"section"`
	Content   string `json:"content"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}

// Result reports one mutation outcome.
type Result struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Path   string `json:"path"`
}

// Hit is one search result.
type Hit struct {
	Path     string            `json:"path"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Filter narrows a search.
type Filter struct {
	Category string
	Tag      string
}

// Store is the knowledge corpus. Writes to one file are serialized by a
// per-file mutex; reads run concurrently.
type Store struct {
	root         string
	backupDir    string
	index        *vector.Index
	dupThreshold float32
	logger       *logging.Logger
	catalog      *catalog

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore opens the corpus rooted at cfg.Root, loading the catalog and
// re-indexing every markdown file found on disk.
func NewStore(cfg config.KnowledgeConfig, index *vector.Index) (*Store, error) {
	if cfg.Root == "" {
		cfg.Root = "knowledge"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "backups"
	}
	threshold := float32(cfg.DuplicateThreshold)
	if threshold <= 0 || threshold > 1 {
		threshold = 0.92
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge root: %w", err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	s := &Store{
		root:         cfg.Root,
		backupDir:    cfg.BackupDir,
		index:        index,
		dupThreshold: threshold,
		logger:       logging.NewComponentLogger("knowledge"),
		catalog:      loadCatalog(cfg.Root),
		locks:        map[string]*sync.Mutex{},
	}
	if err := s.reindex(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the corpus root directory.
func (s *Store) Root() string { return s.root }

// Search embeds the query and returns the top-k corpus hits, optionally
// narrowed by category or tag.
func (s *Store) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	where := map[string]string{}
	if filter.Category != "" {
		where["category"] = filter.Category
	}

	raw, err := s.index.Query(ctx, query, k, 0, where)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		if filter.Tag != "" && !hasTag(h.Document.Metadata["tags"], filter.Tag) {
			continue
		}
		hits = append(hits, Hit{
			Path:     h.Document.ID,
			Content:  h.Document.Content,
			Score:    h.Similarity,
			Metadata: h.Document.Metadata,
		})
	}
	return hits, nil
}

// Add creates a new document. A document in the same category whose content
// is at least dupThreshold cosine-similar causes a duplicate skip. The write
// is visible in the index and the catalog, or not at all.
func (s *Store) Add(ctx context.Context, req AddRequest) Result {
	category := req.Category
	if !isKnownCategory(category) {
		category = DetectCategory(req.Path)
	}
	relPath := filepath.Join(category, filepath.Base(normalizeMarkdownName(req.Path)))
	absPath := filepath.Join(s.root, relPath)

	unlock := s.lockFile(relPath)
	defer unlock()

	if _, err := os.Stat(absPath); err == nil {
		existing, readErr := os.ReadFile(absPath)
		if readErr == nil && strings.Contains(strings.ToLower(string(existing)), strings.ToLower(strings.TrimSpace(req.Content))) {
			return Result{Status: StatusSkipped, Reason: "duplicate: file already contains this content", Path: relPath}
		}
	}

	if dup, ok := s.findDuplicate(ctx, category, req.Content); ok {
		return Result{Status: StatusSkipped, Reason: fmt.Sprintf("duplicate of %s", dup), Path: relPath}
	}

	now := time.Now()
	formatted := FormatContent(req.Title, req.Content, req.Tags, now)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return Result{Status: StatusFailed, Reason: err.Error(), Path: relPath}
	}
	if err := os.WriteFile(absPath, []byte(formatted), 0o644); err != nil {
		return Result{Status: StatusFailed, Reason: err.Error(), Path: relPath}
	}

	if err := s.indexFile(ctx, relPath, formatted, category, req.Tags); err != nil {
		// Index and file must agree; roll the file back.
		_ = os.Remove(absPath)
		return Result{Status: StatusFailed, Reason: (&errorx.KnowledgeWriteError{Path: relPath, Err: err}).Error(), Path: relPath}
	}

	s.catalog.add(relPath, req.Title, category, req.Tags, now)
	if err := s.catalog.flush(s.root); err != nil {
		s.logger.Warn("flush catalog: %v", err)
	}
	s.logger.Info("added knowledge %s", relPath)
	return Result{Status: StatusApplied, Path: relPath}
}

// Update applies a section operation to an existing document. A missing
// target file falls back to Add. The prior content is backed up before the
// mutation and restored if any later step fails.
func (s *Store) Update(ctx context.Context, req UpdateRequest) Result {
	relPath := s.resolvePath(req.Path)
	absPath := filepath.Join(s.root, relPath)

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		title := strings.TrimSpace(strings.ReplaceAll(req.Section, "#", ""))
		if title == "" {
			title = "Knowledge Update"
		}
		return s.Add(ctx, AddRequest{
			Category: DetectCategory(relPath),
			Path:     relPath,
			Title:    title,
			Content:  req.Content,
			Tags:     nil,
			Reason:   req.Reason,
		})
	}

	unlock := s.lockFile(relPath)
	defer unlock()

	current, err := os.ReadFile(absPath)
	if err != nil {
		return Result{Status: StatusFailed, Reason: err.Error(), Path: relPath}
	}

	var updated string
	switch req.Operation {
	case OpAppend, "":
		updated = appendToSection(string(current), req.Section, req.Content)
	case OpReplace:
		updated = replaceSection(string(current), req.Section, req.Content)
	case OpInsert:
		updated = insertAtSection(string(current), req.Section, req.Content)
	default:
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("unknown operation: %s", req.Operation), Path: relPath}
	}

	backupPath, err := s.writeBackup(relPath, current)
	if err != nil {
		return Result{Status: StatusFailed, Reason: err.Error(), Path: relPath}
	}

	if err := os.WriteFile(absPath, []byte(updated), 0o644); err != nil {
		// a failed write may have truncated the target; put the original back
		if restoreErr := os.WriteFile(absPath, current, 0o644); restoreErr != nil {
			s.logger.Error("restore %s from %s: %v", relPath, backupPath, restoreErr)
		}
		return Result{Status: StatusFailed, Reason: err.Error(), Path: relPath}
	}

	category := DetectCategory(relPath)
	if err := s.indexFile(ctx, relPath, updated, category, nil); err != nil {
		if restoreErr := os.WriteFile(absPath, current, 0o644); restoreErr != nil {
			s.logger.Error("restore %s from %s: %v", relPath, backupPath, restoreErr)
		}
		return Result{Status: StatusFailed, Reason: (&errorx.KnowledgeWriteError{Path: relPath, Err: err}).Error(), Path: relPath}
	}

	s.catalog.touch(relPath)
	if err := s.catalog.flush(s.root); err != nil {
		s.logger.Warn("flush catalog: %v", err)
	}
	s.logger.Info("updated knowledge %s op=%s section=%q", relPath, req.Operation, req.Section)
	return Result{Status: StatusApplied, Path: relPath}
}

// Restore copies a backup back over the live file and re-indexes it.
func (s *Store) Restore(ctx context.Context, relPath, backupPath string) error {
	content, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	absPath := filepath.Join(s.root, relPath)

	unlock := s.lockFile(relPath)
	defer unlock()

	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", relPath, err)
	}
	return s.indexFile(ctx, relPath, string(content), DetectCategory(relPath), nil)
}

// Backup snapshots the current file content and returns the backup path.
func (s *Store) Backup(relPath string) (string, error) {
	current, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return "", err
	}
	return s.writeBackup(relPath, current)
}

// ReadFile returns the current content of a corpus document.
func (s *Store) ReadFile(relPath string) (string, error) {
	content, err := os.ReadFile(filepath.Join(s.root, s.resolvePath(relPath)))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Contains reports whether the given path stays inside the corpus root after
// cleaning. Paths escaping the root must never be written.
func (s *Store) Contains(path string) bool {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		abs, err := filepath.Abs(s.root)
		if err != nil {
			return false
		}
		rel, err := filepath.Rel(abs, cleaned)
		return err == nil && !strings.HasPrefix(rel, "..")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return false
	}
	rel := cleaned
	if strings.HasPrefix(rel, "knowledge"+string(filepath.Separator)) {
		rel = strings.TrimPrefix(rel, "knowledge"+string(filepath.Separator))
	}
	return rel != "" && !strings.HasPrefix(rel, "..")
}

// Stats summarizes the catalog for the status endpoint.
func (s *Store) Stats() map[string]any {
	return s.catalog.stats()
}

// DetectCategory infers a category from path fragments, defaulting to
// general.
func DetectCategory(path string) string {
	switch {
	case strings.Contains(path, "agents"):
		return "agents"
	case strings.Contains(path, "crew"):
		return "crew"
	case strings.Contains(path, "system"):
		return "system"
	case strings.Contains(path, "domain"):
		return "domain"
	default:
		return "general"
	}
}

// FormatContent renders the generated markdown scaffold around new knowledge.
func FormatContent(title, content string, tags []string, createdAt time.Time) string {
	tagLine := "None"
	if len(tags) > 0 {
		tagLine = strings.Join(tags, ", ")
	}
	stamp := createdAt.Format("2006-01-02 15:04:05")
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Created**: %s  \n", stamp)
	fmt.Fprintf(&b, "**Tags**: %s  \n", tagLine)
	b.WriteString("**Category**: Knowledge Base\n\n---\n\n")
	b.WriteString(content)
	b.WriteString("\n\n---\n\n## Metadata\n\n")
	b.WriteString("- **Source**: Evolution System\n- **Version**: 1.0\n")
	fmt.Fprintf(&b, "- **Last Updated**: %s\n", stamp)
	return b.String()
}

func (s *Store) findDuplicate(ctx context.Context, category, content string) (string, bool) {
	hit, ok, err := s.index.MostSimilar(ctx, content, map[string]string{"category": category})
	if err != nil {
		s.logger.Warn("duplicate check: %v", err)
		return "", false
	}
	if ok && hit.Similarity >= s.dupThreshold {
		return hit.Document.ID, true
	}
	return "", false
}

func (s *Store) indexFile(ctx context.Context, relPath, content, category string, tags []string) error {
	metadata := map[string]string{"category": category}
	if len(tags) > 0 {
		metadata["tags"] = strings.Join(tags, ",")
	}
	return s.index.Upsert(ctx, vector.Document{ID: relPath, Content: extractBody(content), Metadata: metadata})
}

// extractBody strips the generated scaffold so the index and the duplicate
// check see the knowledge text itself, not the header boilerplate.
func extractBody(content string) string {
	parts := strings.Split(content, "\n---\n")
	if len(parts) >= 3 {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(content)
}

func (s *Store) reindex(ctx context.Context) error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		relPath, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		return s.indexFile(ctx, relPath, string(content), DetectCategory(relPath), nil)
	})
}

// resolvePath maps external path forms (knowledge/cat/file.md, cat/file.md,
// bare file.md) onto a root-relative path.
func (s *Store) resolvePath(path string) string {
	cleaned := filepath.Clean(normalizeMarkdownName(path))
	parts := strings.Split(cleaned, string(filepath.Separator))
	if len(parts) >= 2 && parts[0] == "knowledge" {
		return filepath.Join(parts[1:]...)
	}
	if len(parts) >= 2 && isKnownCategory(parts[0]) {
		return cleaned
	}
	return filepath.Join(DetectCategory(path), filepath.Base(cleaned))
}

func (s *Store) writeBackup(relPath string, content []byte) (string, error) {
	stamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(s.backupDir, stamp, relPath)
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(backupPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

func (s *Store) lockFile(relPath string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[relPath]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[relPath] = lock
	}
	s.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func isKnownCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

func normalizeMarkdownName(path string) string {
	if path == "" {
		return "untitled.md"
	}
	if !strings.HasSuffix(path, ".md") {
		return path + ".md"
	}
	return path
}

func hasTag(joined, tag string) bool {
	for _, t := range strings.Split(joined, ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}
