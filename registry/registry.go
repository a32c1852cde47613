// Package registry owns agent records: registration, control actions,
// and the policy around scheduling them. Boundary validation happens
// here so nothing else has to re-check identities or intervals.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// Validation and capacity errors. The message doubles as the wire
// error kind.
var (
	ErrAgentIDRequired       = errors.New("agent_id_required")
	ErrAgentIDInvalid        = errors.New("agent_id_invalid")
	ErrUserIDInvalid         = errors.New("user_id_invalid")
	// ErrWalletAddressRequired covers both a missing address and a
	// prefix outside the accepted networks.
	ErrWalletAddressRequired = errors.New("wallet_address_required")
	ErrIntervalInvalid       = errors.New("cycle_interval_invalid")
	ErrInvalidCallback       = errors.New("invalid_callback")
	ErrSchedulerFull         = errors.New("scheduler_full")
	ErrAgentNotFound         = errors.New("agent_not_found")
	ErrUnknownAction         = errors.New("unknown_action")
)

// identRe bounds both halves of a queue key. Colons are excluded so
// "<userId>:<agentId>" stays parseable.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,120}$`)

// Kaspa address prefixes accepted for agent wallets.
var walletPrefixes = []string{"kaspa:", "kaspatest:"}

const (
	// MinCycleIntervalMs is the floor for agent cycle intervals.
	MinCycleIntervalMs = 1000
	// firstRunDelayCap bounds how soon after registration the first
	// cycle may fire: min(cycleInterval, this).
	firstRunDelayCap = time.Second
	maxHeaderCount   = 16
	maxHeaderBytes   = 1024
)

// Config tunes one Registry.
type Config struct {
	// MaxAgents caps registrations; 0 means the default of 500.
	MaxAgents int64
}

// RegisterInput is the payload accepted by Register.
type RegisterInput struct {
	UserID          string            `json:"userId"`
	AgentID         string            `json:"agentId"`
	Name            string            `json:"name"`
	WalletAddress   string            `json:"walletAddress"`
	StrategyLabel   string            `json:"strategyLabel"`
	CycleIntervalMs int64             `json:"cycleIntervalMs"`
	CallbackURL     string            `json:"callbackUrl"`
	CallbackHeaders map[string]string `json:"callbackHeaders"`
}

// Registry coordinates agent state across the agents hash and the due
// index.
type Registry struct {
	store   store.Store
	keys    store.Keys
	cfg     Config
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics
}

// New builds a Registry over st.
func New(st store.Store, keys store.Keys, cfg Config, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Registry {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 500
	}
	return &Registry{store: st, keys: keys, cfg: cfg, log: log, metrics: metrics}
}

func validate(in *RegisterInput) error {
	if in.AgentID == "" {
		return ErrAgentIDRequired
	}
	if !identRe.MatchString(in.AgentID) {
		return ErrAgentIDInvalid
	}
	if in.UserID == "" {
		// Single-tenant callers omit the user; they all share one.
		in.UserID = "default"
	}
	if !identRe.MatchString(in.UserID) {
		return ErrUserIDInvalid
	}
	if in.WalletAddress == "" {
		return ErrWalletAddressRequired
	}
	valid := false
	for _, p := range walletPrefixes {
		if len(in.WalletAddress) > len(p) && in.WalletAddress[:len(p)] == p {
			valid = true
			break
		}
	}
	if !valid {
		return ErrWalletAddressRequired
	}
	if in.CycleIntervalMs < MinCycleIntervalMs {
		return ErrIntervalInvalid
	}
	if in.CallbackURL != "" {
		u, err := url.Parse(in.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidCallback
		}
	}
	if len(in.CallbackHeaders) > maxHeaderCount {
		return ErrInvalidCallback
	}
	for k, v := range in.CallbackHeaders {
		if k == "" || len(k)+len(v) > maxHeaderBytes {
			return ErrInvalidCallback
		}
	}
	return nil
}

// firstRunAt schedules a fresh or resumed agent: soon, but never
// sooner than its own interval allows.
func firstRunAt(now time.Time, intervalMs int64) time.Time {
	delay := time.Duration(intervalMs) * time.Millisecond
	if delay > firstRunDelayCap {
		delay = firstRunDelayCap
	}
	return now.Add(delay)
}

// Register upserts an agent and schedules its first run. Re-registering
// an existing agent refreshes its settings and restarts it without
// losing cycle history.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*store.Agent, error) {
	if err := validate(&in); err != nil {
		return nil, err
	}
	queueKey := in.UserID + ":" + in.AgentID

	existing, err := r.store.GetAgent(ctx, queueKey)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if existing == nil {
		count, err := r.store.CountAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("count agents: %w", err)
		}
		if count >= r.cfg.MaxAgents {
			return nil, ErrSchedulerFull
		}
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		UserID:          in.UserID,
		AgentID:         in.AgentID,
		Name:            in.Name,
		WalletAddress:   in.WalletAddress,
		StrategyLabel:   in.StrategyLabel,
		Status:          store.AgentRunning,
		CycleIntervalMs: in.CycleIntervalMs,
		CallbackURL:     in.CallbackURL,
		CallbackHeaders: in.CallbackHeaders,
		CreatedAt:       now,
		UpdatedAt:       now,
		NextRunAt:       firstRunAt(now, in.CycleIntervalMs),
	}
	if existing != nil {
		agent.CreatedAt = existing.CreatedAt
		agent.LastCycleAt = existing.LastCycleAt
		agent.FailureCount = existing.FailureCount
		agent.QueuePending = existing.QueuePending
		agent.LastDispatch = existing.LastDispatch
	}

	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("persist agent: %w", err)
	}
	if err := r.store.ScheduleAgent(ctx, queueKey, agent.NextRunAt); err != nil {
		return nil, fmt.Errorf("schedule agent: %w", err)
	}
	r.refreshGauge(ctx)
	r.log.Info().Str("agent", queueKey).Int64("intervalMs", in.CycleIntervalMs).Msg("agent registered")
	return agent, nil
}

// Get loads one agent; (nil, nil) when absent.
func (r *Registry) Get(ctx context.Context, queueKey string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, queueKey)
}

// List returns agents sorted by queue key. A non-empty userFilter
// restricts the result to that user's agents.
func (r *Registry) List(ctx context.Context, userFilter string) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	if userFilter != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.UserID == userFilter {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].QueueKey() < agents[j].QueueKey() })
	return agents, nil
}

// Persist writes back an agent mutated by the scheduler (queue-pending
// flag, dispatch outcome). Validation already happened at registration.
func (r *Registry) Persist(ctx context.Context, agent *store.Agent) error {
	return r.store.UpsertAgent(ctx, agent)
}

// Count returns the number of registered agents.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	return r.store.CountAgents(ctx)
}

// Pause stops future scheduling without touching queue state; an
// already enqueued cycle still drains.
func (r *Registry) Pause(ctx context.Context, queueKey string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	agent.Status = store.AgentPaused
	agent.UpdatedAt = time.Now().UTC()
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := r.store.UnscheduleAgent(ctx, queueKey); err != nil {
		return nil, err
	}
	r.log.Info().Str("agent", queueKey).Msg("agent paused")
	return agent, nil
}

// Resume restarts a paused agent with register-style first-run timing.
func (r *Registry) Resume(ctx context.Context, queueKey string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	now := time.Now().UTC()
	agent.Status = store.AgentRunning
	agent.UpdatedAt = now
	agent.NextRunAt = firstRunAt(now, agent.CycleIntervalMs)
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := r.store.ScheduleAgent(ctx, queueKey, agent.NextRunAt); err != nil {
		return nil, err
	}
	r.log.Info().Str("agent", queueKey).Msg("agent resumed")
	return agent, nil
}

// Remove deletes the agent, its schedule entry, and its unleased queue
// entries. Removing an unknown agent is a no-op, not an error, so
// retries converge.
func (r *Registry) Remove(ctx context.Context, queueKey string) (int64, error) {
	if err := r.store.DeleteAgent(ctx, queueKey); err != nil {
		return 0, err
	}
	if err := r.store.UnscheduleAgent(ctx, queueKey); err != nil {
		return 0, err
	}
	purged, err := r.store.RemoveAgentTasks(ctx, queueKey)
	if err != nil {
		return purged, err
	}
	r.refreshGauge(ctx)
	r.log.Info().Str("agent", queueKey).Int64("tasksPurged", purged).Msg("agent removed")
	return purged, nil
}

// UpdateInterval changes the cycle cadence. Running agents that are not
// mid-claim re-score to now+newInterval; leased agents keep their
// reservation and pick up the new interval after the in-flight cycle.
func (r *Registry) UpdateInterval(ctx context.Context, queueKey string, intervalMs int64) (*store.Agent, error) {
	if intervalMs < MinCycleIntervalMs {
		return nil, ErrIntervalInvalid
	}
	agent, err := r.store.GetAgent(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	now := time.Now().UTC()
	agent.CycleIntervalMs = intervalMs
	agent.UpdatedAt = now

	leaseVal, err := r.store.Get(ctx, r.keys.AgentLease(queueKey))
	if err != nil {
		return nil, err
	}
	if agent.Status == store.AgentRunning && leaseVal == "" {
		agent.NextRunAt = now.Add(time.Duration(intervalMs) * time.Millisecond)
		if err := r.store.ScheduleAgent(ctx, queueKey, agent.NextRunAt); err != nil {
			return nil, err
		}
	}
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.log.Info().Str("agent", queueKey).Int64("intervalMs", intervalMs).Msg("agent interval updated")
	return agent, nil
}

func (r *Registry) refreshGauge(ctx context.Context) {
	if n, err := r.store.CountAgents(ctx); err == nil {
		r.metrics.AgentsTotal.Set(float64(n))
	}
}
