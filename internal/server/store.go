package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"support-verify/internal/verify"
)

const auditRetention = 5000

type Store interface {
	CreateRun(run RunMeta) error
	UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error)
	GetRun(runID string) (RunMeta, bool)
	ListRuns(limit int) []RunMeta
	ListRunsByCreator(creatorSub string, limit int) []RunMeta
	AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error)
	ListRunEvents(runID string, sinceSeq int64) []RunEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent
	GetMetricsOverview() MetricsOverview
}

// fileSnapshot is the on-disk shape of a MemoryFileStore.
type fileSnapshot struct {
	Runs   []RunMeta             `json:"runs"`
	Events map[string][]RunEvent `json:"events"`
	Audit  []AuditEvent          `json:"audit"`
}

// MemoryFileStore keeps everything in memory, optionally snapshotting the
// whole state to a JSON file after each write. Suitable for single-node
// deployments and tests; Postgres-backed installs use PgStore.
type MemoryFileStore struct {
	mu      sync.RWMutex
	path    string
	runs    map[string]RunMeta
	events  map[string][]RunEvent
	audit   []AuditEvent
	nextSeq map[string]int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:    path,
		runs:    map[string]RunMeta{},
		events:  map[string][]RunEvent{},
		audit:   []AuditEvent{},
		nextSeq: map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryFileStore) CreateRun(run RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	s.runs[run.RunID] = run
	if _, ok := s.events[run.RunID]; !ok {
		s.events[run.RunID] = []RunEvent{}
	}
	if s.nextSeq[run.RunID] < 1 {
		s.nextSeq[run.RunID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return RunMeta{}, fmt.Errorf("run not found: %s", runID)
	}
	if mutate != nil {
		mutate(&run)
	}
	s.runs[runID] = run
	if err := s.persistLocked(); err != nil {
		return RunMeta{}, err
	}
	return run, nil
}

func (s *MemoryFileStore) GetRun(runID string) (RunMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

func (s *MemoryFileStore) ListRuns(limit int) []RunMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectRunsLocked(limit, nil)
}

func (s *MemoryFileStore) ListRunsByCreator(creatorSub string, limit int) []RunMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectRunsLocked(limit, func(run RunMeta) bool {
		return run.CreatorSub == creatorSub
	})
}

// selectRunsLocked returns matching runs newest first. Callers hold the lock.
func (s *MemoryFileStore) selectRunsLocked(limit int, keep func(RunMeta) bool) []RunMeta {
	out := make([]RunMeta, 0, len(s.runs))
	for _, run := range s.runs {
		if keep == nil || keep(run) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return RunEvent{}, fmt.Errorf("run not found: %s", runID)
	}
	seq := s.nextSeq[runID]
	if seq < 1 {
		seq = 1
	}
	event := RunEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[runID] = seq + 1
	s.events[runID] = append(s.events[runID], event)
	if err := s.persistLocked(); err != nil {
		return RunEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []RunEvent{}
	for _, event := range s.events[runID] {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > auditRetention {
		s.audit = s.audit[len(s.audit)-auditRetention:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	var durationTotal int64
	for _, run := range s.runs {
		overview.TotalRuns++
		switch strings.ToLower(strings.TrimSpace(run.Status)) {
		case "running", "queued":
			overview.RunningRuns++
		case "pass":
			overview.PassRuns++
		case "fail":
			overview.FailRuns++
		}
		overview.EstimatedCostUSD += run.EstimatedCost
		overview.CasesEvaluated += run.Outcome.Cases
		overview.CasesSkipped += run.Outcome.Skipped
		overview.CasesAudited += run.Outcome.Audited
		if run.Report != nil {
			durationTotal += reportDuration(*run.Report)
		}
	}
	if overview.TotalRuns > 0 {
		overview.AverageDuration = durationTotal / int64(overview.TotalRuns)
	}
	return overview
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, run := range snapshot.Runs {
		s.runs[run.RunID] = run
	}
	for runID, events := range snapshot.Events {
		s.events[runID] = events
		var maxSeq int64
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[runID] = maxSeq + 1
	}
	s.audit = snapshot.Audit
	if s.audit == nil {
		s.audit = []AuditEvent{}
	}
	return nil
}

// persistLocked snapshots the store to disk; a write to a temp file followed
// by rename keeps the snapshot readable under crashes mid-write.
func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	snapshot := fileSnapshot{
		Runs:   s.selectRunsLocked(0, nil),
		Events: s.events,
		Audit:  s.audit,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

func reportDuration(report verify.Report) int64 {
	var total int64
	for _, item := range report.Results {
		total += item.DurationMS
	}
	return total
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
