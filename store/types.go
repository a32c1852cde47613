package store

import "time"

// Agent status values. Paused agents stay registered but never enter
// the due index.
const (
	AgentRunning = "RUNNING"
	AgentPaused  = "PAUSED"
)

// TaskKindAgentCycle is the only task kind the queue carries today.
const TaskKindAgentCycle = "agent_cycle"

// Agent is one scheduled trading agent. Agents are persisted as JSON
// values in the shared agents hash keyed by QueueKey.
type Agent struct {
	UserID          string            `json:"userId"`
	AgentID         string            `json:"agentId"`
	Name            string            `json:"name,omitempty"`
	WalletAddress   string            `json:"walletAddress"`
	StrategyLabel   string            `json:"strategyLabel,omitempty"`
	Status          string            `json:"status"`
	CycleIntervalMs int64             `json:"cycleIntervalMs"`
	CallbackURL     string            `json:"callbackUrl,omitempty"`
	CallbackHeaders map[string]string `json:"callbackHeaders,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	LastCycleAt     time.Time         `json:"lastCycleAt,omitzero"`
	NextRunAt       time.Time         `json:"nextRunAt"`
	FailureCount    int               `json:"failureCount"`
	QueuePending    bool              `json:"queuePending"`
	LastDispatch    *DispatchSummary  `json:"lastDispatch,omitempty"`
}

// QueueKey is the composite identity "<userId>:<agentId>" used as the
// agent's key everywhere outside the registry hash value itself.
func (a *Agent) QueueKey() string {
	return a.UserID + ":" + a.AgentID
}

// DispatchSummary records the outcome of the agent's most recent
// callback dispatch.
type DispatchSummary struct {
	At         time.Time `json:"at"`
	OK         bool      `json:"ok"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// CycleTask is the payload stored in the queue's payloads hash and
// handed to dispatch workers.
type CycleTask struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	QueueKey         string `json:"queueKey"`
	EnqueuedAtMs     int64  `json:"enqueuedAt"`
	LeaderFenceToken int64  `json:"leaderFenceToken"`
	InstanceID       string `json:"instanceId"`
}

// ClaimOwner is the JSON value written into per-agent claim leases so
// operators can see which replica reserved the agent and under which
// fence.
type ClaimOwner struct {
	InstanceID string `json:"instanceId"`
	Fence      int64  `json:"fence"`
	TsMs       int64  `json:"ts"`
}

// QueueDepths is a point-in-time snapshot of the three queue
// structures.
type QueueDepths struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Inflight   int64 `json:"inflight"`
}

// QueueRecovery reports what a boot-time recovery pass repaired.
type QueueRecovery struct {
	OwnersRebuilt int64 `json:"ownersRebuilt"`
	Restored      int64 `json:"restored"`
	Dropped       int64 `json:"dropped"`
	LeasedAtBoot  int64 `json:"leasedAtBoot"`
	Requeued      int64 `json:"requeued"`
}

// FenceResult is the outcome of observing a fence token for an agent
// key: Accepted is false when the received token is strictly below the
// highest one seen so far.
type FenceResult struct {
	Accepted bool
	Current  int64
	Received int64
}
