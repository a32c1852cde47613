package registry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

func newTestRegistry(t *testing.T, maxAgents int64) (*Registry, store.Store, store.Keys) {
	t.Helper()
	keys := store.NewKeys(store.DefaultSchedulerPrefix)
	st := store.NewMemoryStore(keys)
	metrics := observability.NewSchedulerMetrics(prometheus.NewRegistry())
	return New(st, keys, Config{MaxAgents: maxAgents}, zerolog.Nop(), metrics), st, keys
}

func validInput() RegisterInput {
	return RegisterInput{
		UserID:          "user1",
		AgentID:         "agent1",
		Name:            "momentum bot",
		WalletAddress:   "kaspa:qqx123",
		StrategyLabel:   "momentum",
		CycleIntervalMs: 5000,
		CallbackURL:     "https://hooks.example.com/cycle",
	}
}

func TestRegisterSchedulesFirstRun(t *testing.T) {
	r, st, _ := newTestRegistry(t, 10)
	ctx := context.Background()

	before := time.Now().UTC()
	agent, err := r.Register(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, agent.Status)
	assert.Equal(t, "user1:agent1", agent.QueueKey())

	// First run is capped at one second out, not a full interval.
	assert.LessOrEqual(t, agent.NextRunAt.Sub(before), 2*time.Second)

	due, err := st.DueAgents(ctx, time.Now().Add(5*time.Second), 10)
	require.NoError(t, err)
	assert.Contains(t, due, "user1:agent1")
}

func TestRegisterShortIntervalFirstRun(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	in := validInput()
	in.CycleIntervalMs = 1000

	before := time.Now().UTC()
	agent, err := r.Register(context.Background(), in)
	require.NoError(t, err)
	// min(interval, 1s) with a 1s interval is the interval itself.
	assert.LessOrEqual(t, agent.NextRunAt.Sub(before), 1100*time.Millisecond)
}

func TestValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*RegisterInput)
		want   error
	}{
		{"missing agent id", func(in *RegisterInput) { in.AgentID = "" }, ErrAgentIDRequired},
		{"bad agent id", func(in *RegisterInput) { in.AgentID = "has space" }, ErrAgentIDInvalid},
		{"colon in agent id", func(in *RegisterInput) { in.AgentID = "a:b" }, ErrAgentIDInvalid},
		{"bad user id", func(in *RegisterInput) { in.UserID = "u/1" }, ErrUserIDInvalid},
		{"missing wallet", func(in *RegisterInput) { in.WalletAddress = "" }, ErrWalletAddressRequired},
		{"wrong wallet network", func(in *RegisterInput) { in.WalletAddress = "bitcoin:abc" }, ErrWalletAddressRequired},
		{"interval too low", func(in *RegisterInput) { in.CycleIntervalMs = 999 }, ErrIntervalInvalid},
		{"bad callback scheme", func(in *RegisterInput) { in.CallbackURL = "ftp://example.com" }, ErrInvalidCallback},
		{"callback without host", func(in *RegisterInput) { in.CallbackURL = "https://" }, ErrInvalidCallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			_, err := r.Register(ctx, in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRegisterTestnetWallet(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	in := validInput()
	in.WalletAddress = "kaspatest:qqx123"
	_, err := r.Register(context.Background(), in)
	assert.NoError(t, err)
}

func TestRegisterDefaultsUserID(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	in := validInput()
	in.UserID = ""
	agent, err := r.Register(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "default:agent1", agent.QueueKey())
}

func TestCapacityAndReRegister(t *testing.T) {
	r, _, _ := newTestRegistry(t, 2)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		in := validInput()
		in.AgentID = id
		_, err := r.Register(ctx, in)
		require.NoError(t, err)
	}

	in := validInput()
	in.AgentID = "a3"
	_, err := r.Register(ctx, in)
	assert.ErrorIs(t, err, ErrSchedulerFull)

	// Re-registering an existing agent is an update, not a new slot.
	in = validInput()
	in.AgentID = "a1"
	in.CycleIntervalMs = 9000
	agent, err := r.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), agent.CycleIntervalMs)
}

func TestReRegisterKeepsHistory(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	ctx := context.Background()

	first, err := r.Register(ctx, validInput())
	require.NoError(t, err)

	first.FailureCount = 3
	first.LastCycleAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, r.Persist(ctx, first))

	again, err := r.Register(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, 3, again.FailureCount)
	assert.False(t, again.LastCycleAt.IsZero())
	assert.Equal(t, first.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func TestPauseResume(t *testing.T) {
	r, st, _ := newTestRegistry(t, 10)
	ctx := context.Background()
	_, err := r.Register(ctx, validInput())
	require.NoError(t, err)

	agent, err := r.Pause(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentPaused, agent.Status)

	due, err := st.DueAgents(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.NotContains(t, due, "user1:agent1")

	agent, err = r.Resume(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, agent.Status)

	due, err = st.DueAgents(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Contains(t, due, "user1:agent1")
}

func TestPauseUnknownAgent(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	_, err := r.Pause(context.Background(), "user1:ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r, st, _ := newTestRegistry(t, 10)
	ctx := context.Background()
	_, err := r.Register(ctx, validInput())
	require.NoError(t, err)

	_, err = r.Remove(ctx, "user1:agent1")
	require.NoError(t, err)
	agent, err := st.GetAgent(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Nil(t, agent)

	// Removing again converges instead of failing.
	_, err = r.Remove(ctx, "user1:agent1")
	assert.NoError(t, err)
}

func TestUpdateIntervalRescoresRunning(t *testing.T) {
	r, st, _ := newTestRegistry(t, 10)
	ctx := context.Background()
	_, err := r.Register(ctx, validInput())
	require.NoError(t, err)

	before := time.Now().UTC()
	agent, err := r.UpdateInterval(ctx, "user1:agent1", 30_000)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), agent.CycleIntervalMs)
	assert.GreaterOrEqual(t, agent.NextRunAt.Sub(before), 29*time.Second)

	due, err := st.DueAgents(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Contains(t, due, "user1:agent1")
}

func TestUpdateIntervalLeasedAgentKeepsSchedule(t *testing.T) {
	r, st, keys := newTestRegistry(t, 10)
	ctx := context.Background()
	registered, err := r.Register(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, keys.AgentLease("user1:agent1"), `{"instanceId":"sched-1"}`, time.Minute))

	agent, err := r.UpdateInterval(ctx, "user1:agent1", 60_000)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), agent.CycleIntervalMs)
	// The in-flight reservation keeps its slot; only the interval moved.
	assert.Equal(t, registered.NextRunAt.Unix(), agent.NextRunAt.Unix())
}

func TestUpdateIntervalValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	_, err := r.UpdateInterval(context.Background(), "user1:agent1", 100)
	assert.ErrorIs(t, err, ErrIntervalInvalid)
	_, err = r.UpdateInterval(context.Background(), "user1:ghost", 5000)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestListFiltersByUser(t *testing.T) {
	r, _, _ := newTestRegistry(t, 10)
	ctx := context.Background()
	for _, pair := range [][2]string{{"user1", "a1"}, {"user2", "b1"}, {"user1", "a2"}} {
		in := validInput()
		in.UserID, in.AgentID = pair[0], pair[1]
		_, err := r.Register(ctx, in)
		require.NoError(t, err)
	}

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Sorted by queue key.
	assert.Equal(t, "user1:a1", all[0].QueueKey())

	mine, err := r.List(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	for _, a := range mine {
		assert.Equal(t, "user1", a.UserID)
	}
}
