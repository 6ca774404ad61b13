package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"support-verify/internal/llm"
)

type KeyLease struct {
	Label  string
	APIKey string
	keyRef *keyState
}

// BudgetManager leases OpenAI keys to runs. Each key in the pool carries a
// daily USD limit plus per-minute request and token windows; a run leases the
// key with the most remaining budget and commits its measured usage when it
// finishes.
type BudgetManager struct {
	mu            sync.Mutex
	keys          []*keyState
	defaultRunUSD float64
}

type keyState struct {
	config       TestKeyConfig
	dayKey       string
	spentUSD     float64
	requests     []time.Time
	inputTokens  []tokenMark
	outputTokens []tokenMark
	activeRuns   int
}

type tokenMark struct {
	At    time.Time
	Count int
}

func NewBudgetManager(cfg ServerConfig) *BudgetManager {
	manager := &BudgetManager{
		keys:          []*keyState{},
		defaultRunUSD: cfg.Budget.DefaultRunMaxUSD,
	}
	for _, raw := range cfg.Keys.TestKeys {
		key := raw
		if strings.TrimSpace(key.APIKey) == "" {
			continue
		}
		if strings.TrimSpace(key.Label) == "" {
			key.Label = fmt.Sprintf("key-%d", len(manager.keys)+1)
		}
		if key.DailyLimitUSD <= 0 {
			key.DailyLimitUSD = 100
		}
		if key.RPM <= 0 {
			key.RPM = 30
		}
		if key.TPM <= 0 {
			key.TPM = 250000
		}
		if key.InputCostPer1K <= 0 {
			key.InputCostPer1K = 0.0005
		}
		if key.OutputCostPer1K <= 0 {
			key.OutputCostPer1K = 0.0015
		}
		if key.EmbedCostPer1K <= 0 {
			key.EmbedCostPer1K = 0.00002
		}
		manager.keys = append(manager.keys, &keyState{config: key})
	}
	return manager
}

// Acquire leases a key that can still cover budgetCapUSD today and is inside
// its per-minute windows. Among eligible keys the one with the most remaining
// daily budget wins, with active-run count as tiebreak.
func (m *BudgetManager) Acquire(budgetCapUSD float64) (KeyLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keys) == 0 {
		return KeyLease{}, errors.New("no test keys configured")
	}
	capUSD := budgetCapUSD
	if capUSD <= 0 {
		capUSD = m.defaultRunUSD
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")

	var candidates []*keyState
	for _, key := range m.keys {
		m.rollWindow(key, now, dayKey)
		if key.config.DailyLimitUSD-key.spentUSD < capUSD {
			continue
		}
		if len(key.requests) >= key.config.RPM {
			continue
		}
		if tokensInWindow(key.inputTokens)+tokensInWindow(key.outputTokens) >= key.config.TPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all test keys are budget or rate limited")
	}
	sort.Slice(candidates, func(i, j int) bool {
		left := candidates[i].config.DailyLimitUSD - candidates[i].spentUSD
		right := candidates[j].config.DailyLimitUSD - candidates[j].spentUSD
		if left == right {
			return candidates[i].activeRuns < candidates[j].activeRuns
		}
		return left > right
	})

	selected := candidates[0]
	selected.activeRuns++
	selected.requests = append(selected.requests, now)
	return KeyLease{
		Label:  selected.config.Label,
		APIKey: selected.config.APIKey,
		keyRef: selected,
	}, nil
}

// Commit charges the lease's measured usage against the key. Embedding
// tokens count toward the input window; they are billed at their own rate
// but throttled together with prompt tokens.
func (m *BudgetManager) Commit(lease KeyLease, usage KeyUsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	m.rollWindow(lease.keyRef, now, now.UTC().Format("2006-01-02"))
	if usage.EstimatedCostUSD > 0 {
		lease.keyRef.spentUSD += usage.EstimatedCostUSD
	}
	if inTokens := usage.InputTokens + usage.EmbeddingTokens; inTokens > 0 {
		lease.keyRef.inputTokens = append(lease.keyRef.inputTokens, tokenMark{At: now, Count: inTokens})
	}
	if usage.OutputTokens > 0 {
		lease.keyRef.outputTokens = append(lease.keyRef.outputTokens, tokenMark{At: now, Count: usage.OutputTokens})
	}
	if lease.keyRef.activeRuns > 0 {
		lease.keyRef.activeRuns--
	}
}

// Reject releases a lease that never produced usage.
func (m *BudgetManager) Reject(lease KeyLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.activeRuns > 0 {
		lease.keyRef.activeRuns--
	}
}

func (m *BudgetManager) rollWindow(state *keyState, now time.Time, dayKey string) {
	if state.dayKey != dayKey {
		state.dayKey = dayKey
		state.spentUSD = 0
		state.inputTokens = nil
		state.outputTokens = nil
		state.requests = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.requests = filterRecentTime(state.requests, cutoff)
	state.inputTokens = filterRecentMarks(state.inputTokens, cutoff)
	state.outputTokens = filterRecentMarks(state.outputTokens, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

func filterRecentMarks(items []tokenMark, cutoff time.Time) []tokenMark {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.At.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

func tokensInWindow(items []tokenMark) int {
	total := 0
	for _, item := range items {
		total += item.Count
	}
	return total
}

// UsageRecordFrom converts the client's measured token counters into the
// record the store and budget windows work with.
func UsageRecordFrom(usage llm.Usage) KeyUsageRecord {
	return KeyUsageRecord{
		InputTokens:     int(usage.PromptTokens),
		OutputTokens:    int(usage.CompletionTokens),
		EmbeddingTokens: int(usage.EmbeddingTokens),
	}
}

func EstimateCostUSD(usage KeyUsageRecord, key TestKeyConfig) float64 {
	input := float64(usage.InputTokens) / 1000 * key.InputCostPer1K
	output := float64(usage.OutputTokens) / 1000 * key.OutputCostPer1K
	embed := float64(usage.EmbeddingTokens) / 1000 * key.EmbedCostPer1K
	return input + output + embed
}
