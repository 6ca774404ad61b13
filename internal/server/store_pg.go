package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"support-verify/internal/verify"
)

// runColumns is the full column list each run query selects; scanRunMeta
// expects exactly this order.
const runColumns = `run_id,status,creator_type,creator_sub,creator_email,source,request,
	started_at,finished_at,created_at,error,report,outcome,key_usage,estimated_cost`

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateRun(run RunMeta) error {
	request, _ := json.Marshal(run.Request)
	outcome, _ := json.Marshal(run.Outcome)
	keyUsage, _ := json.Marshal(run.KeyUsage)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO runs (run_id,status,creator_type,creator_sub,creator_email,source,request,created_at,outcome,key_usage,estimated_cost)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.RunID, run.Status, run.CreatorType, run.CreatorSub, run.CreatorEmail,
		run.Source, request, run.CreatedAt, outcome, keyUsage, run.EstimatedCost)
	return err
}

func (s *PgStore) UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RunMeta{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id=$1 FOR UPDATE`, runID)
	run, err := scanRunMeta(row)
	if err != nil {
		return RunMeta{}, fmt.Errorf("run not found: %s", runID)
	}
	if mutate != nil {
		mutate(&run)
	}

	request, _ := json.Marshal(run.Request)
	outcome, _ := json.Marshal(run.Outcome)
	keyUsage, _ := json.Marshal(run.KeyUsage)
	var report []byte
	if run.Report != nil {
		report, _ = json.Marshal(run.Report)
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET status=$1,started_at=$2,finished_at=$3,error=$4,report=$5,
		 outcome=$6,key_usage=$7,estimated_cost=$8,request=$9 WHERE run_id=$10`,
		run.Status, nullStr(run.StartedAt), nullStr(run.FinishedAt), run.Error,
		report, outcome, keyUsage, run.EstimatedCost, request, runID)
	if err != nil {
		return RunMeta{}, err
	}
	return run, tx.Commit(ctx)
}

func (s *PgStore) GetRun(runID string) (RunMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT `+runColumns+` FROM runs WHERE run_id=$1`, runID)
	run, err := scanRunMeta(row)
	if err != nil {
		return RunMeta{}, false
	}
	return run, true
}

func (s *PgStore) ListRuns(limit int) []RunMeta {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PgStore) ListRunsByCreator(creatorSub string, limit int) []RunMeta {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(
		`SELECT `+runColumns+` FROM runs WHERE creator_sub=$1 ORDER BY created_at DESC LIMIT $2`,
		creatorSub, limit)
}

func (s *PgStore) queryRuns(query string, args ...any) []RunMeta {
	rows, err := s.pool.Query(context.Background(), query, args...)
	if err != nil {
		return []RunMeta{}
	}
	defer rows.Close()
	out := []RunMeta{}
	for rows.Next() {
		run, scanErr := scanRunMeta(rows)
		if scanErr != nil {
			continue
		}
		out = append(out, run)
	}
	return out
}

func (s *PgStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	// Seq allocation and insert happen in one statement so concurrent
	// appenders for the same run cannot race to the same seq.
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO run_events (run_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM run_events WHERE run_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, runID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM run_events WHERE run_id=$1 AND seq>$2 ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return []RunEvent{}
	}
	defer rows.Close()
	out := []RunEvent{}
	for rows.Next() {
		var event RunEvent
		var ts time.Time
		var dataJSON []byte
		if rows.Scan(&event.Seq, &ts, &event.Stage, &event.Message, &dataJSON) != nil {
			continue
		}
		event.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &event.Data)
		}
		out = append(out, event)
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp,run_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Timestamp, nullStr(event.RunID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.UAHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,run_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	out := []AuditEvent{}
	for rows.Next() {
		var event AuditEvent
		var ts time.Time
		var runID, actorSub, ipHash, uaHash, detail *string
		if rows.Scan(&ts, &runID, &event.ActorType, &actorSub, &event.Action,
			&event.Result, &ipHash, &uaHash, &detail) != nil {
			continue
		}
		event.Timestamp = ts.UTC().Format(time.RFC3339)
		event.RunID = deref(runID)
		event.ActorSub = deref(actorSub)
		event.IPHash = deref(ipHash)
		event.UAHash = deref(uaHash)
		event.Detail = deref(detail)
		out = append(out, event)
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('running','queued')),
			COUNT(*) FILTER (WHERE status='pass'),
			COUNT(*) FILTER (WHERE status='fail'),
			COALESCE(SUM(estimated_cost),0),
			COALESCE(SUM((outcome->>'cases')::int),0),
			COALESCE(SUM((outcome->>'skipped')::int),0),
			COALESCE(SUM((outcome->>'audited')::int),0)
		 FROM runs`).Scan(
		&overview.TotalRuns, &overview.RunningRuns, &overview.PassRuns, &overview.FailRuns,
		&overview.EstimatedCostUSD, &overview.CasesEvaluated, &overview.CasesSkipped, &overview.CasesAudited)

	rows, err := s.pool.Query(context.Background(),
		`SELECT report FROM runs WHERE report IS NOT NULL`)
	if err != nil {
		return overview
	}
	defer rows.Close()
	var durationTotal int64
	for rows.Next() {
		var reportJSON []byte
		if rows.Scan(&reportJSON) != nil {
			continue
		}
		var report verify.Report
		if json.Unmarshal(reportJSON, &report) != nil {
			continue
		}
		durationTotal += reportDuration(report)
	}
	if overview.TotalRuns > 0 {
		overview.AverageDuration = durationTotal / int64(overview.TotalRuns)
	}
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRunMeta(row scannable) (RunMeta, error) {
	var run RunMeta
	var requestJSON, outcomeJSON, keyUsageJSON, reportJSON []byte
	var startedAt, finishedAt, creatorSub, creatorEmail, source, errText *string
	err := row.Scan(&run.RunID, &run.Status, &run.CreatorType, &creatorSub, &creatorEmail,
		&source, &requestJSON, &startedAt, &finishedAt, &run.CreatedAt,
		&errText, &reportJSON, &outcomeJSON, &keyUsageJSON, &run.EstimatedCost)
	if err != nil {
		return RunMeta{}, err
	}
	run.CreatorSub = deref(creatorSub)
	run.CreatorEmail = deref(creatorEmail)
	run.Source = deref(source)
	run.StartedAt = deref(startedAt)
	run.FinishedAt = deref(finishedAt)
	run.Error = deref(errText)
	_ = json.Unmarshal(requestJSON, &run.Request)
	_ = json.Unmarshal(outcomeJSON, &run.Outcome)
	_ = json.Unmarshal(keyUsageJSON, &run.KeyUsage)
	if len(reportJSON) > 0 {
		var report verify.Report
		if json.Unmarshal(reportJSON, &report) == nil {
			run.Report = &report
		}
	}
	return run, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
