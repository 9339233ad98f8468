package server

import (
	"sort"
	"sync"
	"time"

	"okami/internal/crew"
)

// Task statuses reported to clients.
const (
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

const historyCap = 200

// TaskRecord is one submission's lifecycle, kept in memory until the history
// window evicts it.
type TaskRecord struct {
	ID            string           `json:"task_id"`
	Task          string           `json:"task"`
	CrewName      string           `json:"crew_name"`
	Status        string           `json:"status"`
	Result        *crew.CrewResult `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	CompletedAt   time.Time        `json:"completed_at,omitzero"`
	ExecutionTime float64          `json:"execution_time"`
}

// history is the bounded in-memory task store.
type history struct {
	mu      sync.RWMutex
	records map[string]*TaskRecord
	order   []string

	completed int
	failed    int
}

func newHistory() *history {
	return &history{records: map[string]*TaskRecord{}}
}

// begin registers a freshly submitted task as processing.
func (h *history) begin(id, task, crewName string) {
	rec := &TaskRecord{
		ID:          id,
		Task:        task,
		CrewName:    crewName,
		Status:      TaskProcessing,
		SubmittedAt: time.Now().UTC(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[id] = rec
	h.order = append(h.order, id)
	if len(h.order) > historyCap {
		evict := h.order[0]
		h.order = h.order[1:]
		delete(h.records, evict)
	}
}

// finish stores the terminal state for a task.
func (h *history) finish(id string, result *crew.CrewResult, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return
	}
	rec.CompletedAt = time.Now().UTC()
	rec.ExecutionTime = rec.CompletedAt.Sub(rec.SubmittedAt).Seconds()
	rec.Result = result
	rec.Error = errMsg

	if errMsg != "" || (result != nil && result.Status == crew.StatusFailed) {
		rec.Status = TaskFailed
		h.failed++
		return
	}
	rec.Status = TaskCompleted
	h.completed++
}

// get returns a snapshot copy so callers can marshal it without holding the
// lock while finish mutates the live record.
func (h *history) get(id string) (TaskRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[id]
	if !ok {
		return TaskRecord{}, false
	}
	return *rec, true
}

// recent returns snapshot copies of up to n records, newest first.
func (h *history) recent(n int) []TaskRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TaskRecord, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.records[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (h *history) totals() (processing, completed, failed int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, rec := range h.records {
		if rec.Status == TaskProcessing {
			processing++
		}
	}
	return processing, h.completed, h.failed
}
