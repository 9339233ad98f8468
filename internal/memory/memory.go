// Package memory implements the three memory tiers backing crew execution:
// a run-scoped short-term tier, a cross-run long-term tier, and an entity
// tier with merge-on-write semantics. All tiers share one vector index; an
// optional mem0-compatible sidecar mirrors saves and searches.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"okami/internal/config"
	"okami/internal/ids"
	"okami/internal/logging"
	"okami/internal/vector"
)

// Kind selects a memory tier.
type Kind string

const (
	KindShort  Kind = "short"
	KindLong   Kind = "long"
	KindEntity Kind = "entity"
)

// Record is one stored memory entry.
type Record struct {
	ID        string
	Kind      Kind
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Hit is a search result with its similarity score.
type Hit struct {
	Record Record
	Score  float32
}

// Service manages the memory tiers. Tier searches are scoped: short-term
// results never appear in long-term queries and vice versa.
type Service struct {
	cfg     config.MemoryConfig
	index   *vector.Index
	sidecar *SidecarClient
	logger  *logging.Logger

	mu    sync.Mutex
	rings map[string][]Record // run_id -> recent short-term entries, oldest first
}

// NewService builds the memory layer. sidecar may be nil.
func NewService(cfg config.MemoryConfig, index *vector.Index, sidecar *SidecarClient) *Service {
	if cfg.ShortTermSize <= 0 {
		cfg.ShortTermSize = 20
	}
	if cfg.SearchTopK <= 0 {
		cfg.SearchTopK = 5
	}
	return &Service{
		cfg:     cfg,
		index:   index,
		sidecar: sidecar,
		logger:  logging.NewComponentLogger("memory"),
		rings:   map[string][]Record{},
	}
}

// SaveShortTerm records a run-scoped entry. It enters both the recency ring
// and the vector index. metadata["promote"]="true" marks it for promotion to
// long-term at run end.
func (s *Service) SaveShortTerm(ctx context.Context, runID, content string, metadata map[string]string) (*Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("short-term save requires a run_id")
	}
	rec := s.newRecord(KindShort, content, metadata)
	rec.Metadata["run_id"] = runID

	if err := s.indexRecord(ctx, rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ring := append(s.rings[runID], rec)
	if len(ring) > s.cfg.ShortTermSize {
		ring = ring[len(ring)-s.cfg.ShortTermSize:]
	}
	s.rings[runID] = ring
	s.mu.Unlock()

	s.mirrorSave(ctx, rec)
	return &rec, nil
}

// SaveLongTerm records a persistent cross-run entry.
func (s *Service) SaveLongTerm(ctx context.Context, content string, metadata map[string]string) (*Record, error) {
	rec := s.newRecord(KindLong, content, metadata)
	if err := s.indexRecord(ctx, rec); err != nil {
		return nil, err
	}
	s.mirrorSave(ctx, rec)
	return &rec, nil
}

// SaveEntity records a fact about a named entity. Writes against the same
// normalized name merge: the new fact is appended under a timestamp rather
// than creating a second record.
func (s *Service) SaveEntity(ctx context.Context, entityName, entityType, fact string) (*Record, error) {
	if strings.TrimSpace(entityName) == "" {
		return nil, fmt.Errorf("entity save requires a name")
	}
	normalized := NormalizeEntityName(entityName)
	id := "entity_" + normalized
	line := fmt.Sprintf("- [%s] %s", time.Now().UTC().Format(time.RFC3339), strings.TrimSpace(fact))

	existing, found, err := s.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	content := line
	metadata := map[string]string{
		"kind":        string(KindEntity),
		"entity_name": normalized,
		"entity_type": entityType,
	}
	if found {
		content = existing.Content + "\n" + line
		for k, v := range existing.Metadata {
			if _, ok := metadata[k]; !ok || metadata[k] == "" {
				metadata[k] = v
			}
		}
	}

	rec := Record{
		ID:        id,
		Kind:      KindEntity,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.index.Upsert(ctx, vector.Document{ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata}); err != nil {
		return nil, fmt.Errorf("index entity record: %w", err)
	}
	s.mirrorSave(ctx, rec)
	return &rec, nil
}

// EntityFacts returns every stored fact for the entity, or false when the
// entity is unknown.
func (s *Service) EntityFacts(ctx context.Context, entityName string) (Record, bool, error) {
	doc, found, err := s.index.Get(ctx, "entity_"+NormalizeEntityName(entityName))
	if err != nil || !found {
		return Record{}, false, err
	}
	return recordFromDocument(doc), true, nil
}

// Search runs a tier-scoped semantic query. filter narrows on metadata
// equality. Sidecar hits, when available, are unioned in and deduplicated by
// id, ordered by score.
func (s *Service) Search(ctx context.Context, kind Kind, query string, topK int, filter map[string]string) ([]Hit, error) {
	if topK <= 0 {
		topK = s.cfg.SearchTopK
	}
	where := map[string]string{"kind": string(kind)}
	for k, v := range filter {
		where[k] = v
	}

	raw, err := s.index.Query(ctx, query, topK, 0, where)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		hits = append(hits, Hit{Record: recordFromDocument(h.Document), Score: h.Similarity})
	}

	hits = s.mergeSidecarHits(ctx, kind, query, topK, hits)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// ShortTermBlock assembles the context block for a task start: the last N
// ring entries for the run plus the top-K semantic hits for the task
// description, deduplicated by id with recency first.
func (s *Service) ShortTermBlock(ctx context.Context, runID, taskDescription string) ([]Record, error) {
	s.mu.Lock()
	recent := append([]Record(nil), s.rings[runID]...)
	s.mu.Unlock()

	seen := map[string]bool{}
	out := make([]Record, 0, len(recent)+s.cfg.SearchTopK)
	for _, rec := range recent {
		seen[rec.ID] = true
		out = append(out, rec)
	}

	hits, err := s.Search(ctx, KindShort, taskDescription, s.cfg.SearchTopK, map[string]string{"run_id": runID})
	if err != nil {
		return out, err
	}
	for _, h := range hits {
		if !seen[h.Record.ID] {
			out = append(out, h.Record)
		}
	}
	return out, nil
}

// EndRun closes out a run's short-term tier: entries marked promote=true are
// rewritten as long-term records, everything else is discarded.
func (s *Service) EndRun(ctx context.Context, runID, finalOutput string) error {
	s.mu.Lock()
	ring := s.rings[runID]
	delete(s.rings, runID)
	s.mu.Unlock()

	for _, rec := range ring {
		if rec.Metadata["promote"] != "true" {
			continue
		}
		meta := map[string]string{}
		for k, v := range rec.Metadata {
			if k == "kind" || k == "run_id" || k == "promote" {
				continue
			}
			meta[k] = v
		}
		meta["promoted_from"] = runID
		if _, err := s.SaveLongTerm(ctx, rec.Content, meta); err != nil {
			s.logger.Warn("promote short-term record %s: %v", rec.ID, err)
		}
	}

	if strings.TrimSpace(finalOutput) != "" {
		summary := finalOutput
		if len(summary) > 2000 {
			cut := 2000
			for cut > 0 && !utf8.RuneStart(summary[cut]) {
				cut--
			}
			summary = summary[:cut]
		}
		if _, err := s.SaveLongTerm(ctx, summary, map[string]string{"source": "run_summary", "run_id": runID}); err != nil {
			s.logger.Warn("save run summary for %s: %v", runID, err)
		}
	}

	if err := s.index.DeleteWhere(ctx, map[string]string{"kind": string(KindShort), "run_id": runID}); err != nil {
		return fmt.Errorf("discard short-term records for %s: %w", runID, err)
	}
	return nil
}

// NormalizeEntityName lowercases and collapses whitespace so that "Grey Wolf"
// and "grey  wolf" key the same record.
func NormalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

func (s *Service) newRecord(kind Kind, content string, metadata map[string]string) Record {
	meta := map[string]string{"kind": string(kind)}
	for k, v := range metadata {
		meta[k] = v
	}
	meta["kind"] = string(kind)
	return Record{
		ID:        ids.NewMemoryID(),
		Kind:      kind,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *Service) indexRecord(ctx context.Context, rec Record) error {
	err := s.index.Upsert(ctx, vector.Document{ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata})
	if err != nil {
		return fmt.Errorf("index %s record: %w", rec.Kind, err)
	}
	return nil
}

func (s *Service) mirrorSave(ctx context.Context, rec Record) {
	if s.sidecar == nil {
		return
	}
	if err := s.sidecar.Save(ctx, rec); err != nil {
		s.logger.Warn("sidecar save %s: %v", rec.ID, err)
	}
}

func (s *Service) mergeSidecarHits(ctx context.Context, kind Kind, query string, topK int, hits []Hit) []Hit {
	if s.sidecar == nil {
		return hits
	}
	external, err := s.sidecar.Search(ctx, string(kind), query, topK)
	if err != nil {
		s.logger.Warn("sidecar search: %v", err)
		return hits
	}
	seen := map[string]bool{}
	for _, h := range hits {
		seen[h.Record.ID] = true
	}
	for _, h := range external {
		if !seen[h.Record.ID] {
			hits = append(hits, h)
		}
	}
	return hits
}

func recordFromDocument(doc vector.Document) Record {
	rec := Record{
		ID:       doc.ID,
		Content:  doc.Content,
		Metadata: doc.Metadata,
	}
	if doc.Metadata != nil {
		rec.Kind = Kind(doc.Metadata["kind"])
	}
	return rec
}
