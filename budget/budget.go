// Package budget tracks per-run cumulative token/cost usage against
// optional caps, reporting the first crossing of an 80% warn threshold and
// the first crossing of an exceeded threshold per run. State is held behind
// fine-grained locks keyed by run_id.
package budget

import "sync"

// Caps bounds a run's cumulative usage. A zero field means that dimension
// is unbounded for the run.
type Caps struct {
	MaxTokens     uint64
	MaxCostMicros uint64
}

// Usage is a cumulative token/cost counter.
type Usage struct {
	Tokens     uint64 `json:"tokens"`
	CostMicros uint64 `json:"cost_micros"`
}

const warnFraction = 0.8

type runState struct {
	mu        sync.Mutex
	capsSet   bool
	caps      Caps
	total     Usage
	byAgent   map[string]Usage
	warned    map[string]struct{} // dimension name -> warned
	exceeded  bool
}

// Manager is the process-wide budget manager. The zero value is ready to
// use.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{runs: make(map[string]*runState)}
}

func (m *Manager) state(runID string) *runState {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[runID]
	if !ok {
		rs = &runState{byAgent: make(map[string]Usage), warned: make(map[string]struct{})}
		m.runs[runID] = rs
	}
	return rs
}

// SetBudget is idempotent per run: the first call for a run_id installs
// caps; subsequent calls are no-ops, matching the parsed-once-from-start_run
// semantics of the orchestrator's StartRun.
func (m *Manager) SetBudget(runID string, caps Caps) {
	rs := m.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.capsSet {
		rs.caps = caps
		rs.capsSet = true
	}
}

// IsExceeded reports whether run_id has already crossed an exceeded
// threshold. Once true for a run, SubmitTask must reject all further tasks
// for that run with a resource-exhausted error.
func (m *Manager) IsExceeded(runID string) bool {
	rs := m.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.exceeded
}

// AddUsage monotonically increments run_id's total and per-agent usage and
// reports which thresholds this call newly crossed: warnDimension is set
// the first time a dimension crosses 80% of its cap, exceededDimension is
// set the first time a dimension crosses its cap, each empty otherwise. A
// single call that jumps a dimension from below its warn line to over its
// cap in one step reports both: warnDimension and exceededDimension can
// both be non-empty. Once a run is exceeded it stays exceeded and further
// calls report neither; warn is reported at most once per dimension per
// run. If both dimensions cross in the same call, tokens is reported.
func (m *Manager) AddUsage(runID, agent string, tokens, costMicros uint64) (warnDimension, exceededDimension string) {
	rs := m.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.total.Tokens += tokens
	rs.total.CostMicros += costMicros
	agentUsage := rs.byAgent[agent]
	agentUsage.Tokens += tokens
	agentUsage.CostMicros += costMicros
	rs.byAgent[agent] = agentUsage

	if rs.exceeded {
		return "", ""
	}

	warnTokens := rs.caps.MaxTokens > 0 && float64(rs.total.Tokens) >= warnFraction*float64(rs.caps.MaxTokens)
	warnCost := rs.caps.MaxCostMicros > 0 && float64(rs.total.CostMicros) >= warnFraction*float64(rs.caps.MaxCostMicros)

	if warnTokens {
		if _, already := rs.warned["tokens"]; !already {
			rs.warned["tokens"] = struct{}{}
			warnDimension = "tokens"
		}
	}
	if warnDimension == "" && warnCost {
		if _, already := rs.warned["cost_micros"]; !already {
			rs.warned["cost_micros"] = struct{}{}
			warnDimension = "cost_micros"
		}
	}

	exceededTokens := rs.caps.MaxTokens > 0 && rs.total.Tokens >= rs.caps.MaxTokens
	exceededCost := rs.caps.MaxCostMicros > 0 && rs.total.CostMicros >= rs.caps.MaxCostMicros
	if exceededTokens || exceededCost {
		rs.exceeded = true
		if exceededTokens {
			exceededDimension = "tokens"
		} else {
			exceededDimension = "cost_micros"
		}
	}

	return warnDimension, exceededDimension
}

// Caps returns the caps installed for run_id and whether SetBudget has been
// called for it yet.
func (m *Manager) Caps(runID string) (Caps, bool) {
	rs := m.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.caps, rs.capsSet
}

// Snapshot returns the current total and per-agent usage for run_id.
func (m *Manager) Snapshot(runID string) (Usage, map[string]Usage) {
	rs := m.state(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	byAgent := make(map[string]Usage, len(rs.byAgent))
	for k, v := range rs.byAgent {
		byAgent[k] = v
	}
	return rs.total, byAgent
}

// Forget removes a run's budget state, e.g. after its run_summary is
// recorded and its in-memory footprint is no longer needed.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}
