package distributor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

type captureSender struct {
	msgs   []*core.Message
	tokens []string
	fail   error
}

func (s *captureSender) Send(ctx context.Context, msg *core.Message, authToken string) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	s.msgs = append(s.msgs, msg)
	s.tokens = append(s.tokens, authToken)
	return msg.ID, nil
}

func TestFindSuitableFiltersAndSorts(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("zeta", []string{"code", "text"}, 0)
	d.RegisterAgent("alpha", []string{"code"}, 0)
	d.RegisterAgent("mid", []string{"code"}, 0)
	d.RegisterAgent("textonly", []string{"text"}, 0)
	d.RegisterAgent("offline", []string{"code"}, 0)
	d.SetOnline("offline", false)

	got := d.FindSuitable([]string{"code"}, map[string]bool{"mid": true})
	assert.Equal(t, []string{"alpha", "zeta"}, got)

	// No requirements matches every online agent.
	got = d.FindSuitable(nil, nil)
	assert.Equal(t, []string{"alpha", "mid", "textonly", "zeta"}, got)

	// A requirement nobody covers matches no one.
	assert.Empty(t, d.FindSuitable([]string{"code", "vision"}, nil))
}

func TestSelectCapabilityMatchTakesFirst(t *testing.T) {
	d := New(nil)
	got, err := d.Select([]string{"a", "b", "c"}, StrategyCapabilityMatch)
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	// The empty strategy defaults to capability match.
	got, err = d.Select([]string{"a", "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestSelectRoundRobinStaysInCandidates(t *testing.T) {
	d := New(nil)
	candidates := []string{"a", "b", "c"}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		got, err := d.Select(candidates, StrategyRoundRobin)
		require.NoError(t, err)
		assert.Contains(t, candidates, got)
		seen[got] = true
	}
	// 50 uniform draws over 3 candidates miss one with probability ~3e-9.
	assert.Len(t, seen, 3)
}

func TestSelectLoadBalancedPicksLeastLoaded(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("a", nil, 0)
	d.RegisterAgent("b", nil, 0)
	d.RegisterAgent("c", nil, 0)
	require.True(t, d.claim("a"))
	require.True(t, d.claim("a"))
	require.True(t, d.claim("b"))

	got, err := d.Select([]string{"a", "b", "c"}, StrategyLoadBalanced)
	require.NoError(t, err)
	assert.Equal(t, "c", got)

	// Ties resolve first-found in candidate order.
	require.True(t, d.claim("c"))
	got, err = d.Select([]string{"a", "b", "c"}, StrategyLoadBalanced)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestSelectPriorityBasedPicksHighestRank(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("a", nil, 1)
	d.RegisterAgent("b", nil, 9)
	d.RegisterAgent("c", nil, 9)

	got, err := d.Select([]string{"a", "b", "c"}, StrategyPriorityBased)
	require.NoError(t, err)
	assert.Equal(t, "b", got, "ties resolve first-found")
}

func TestSelectCustom(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("a", []string{"code"}, 0)
	d.RegisterAgent("b", []string{"code"}, 0)

	_, err := d.Select([]string{"a", "b"}, StrategyCustom)
	require.Error(t, err, "custom strategy without a registered selector")

	d.UseCustomSelector(func(candidates []string, snapshot map[string]AgentState) (string, error) {
		assert.Equal(t, []string{"a", "b"}, candidates)
		assert.Contains(t, snapshot, "a")
		assert.Contains(t, snapshot, "b")
		return candidates[len(candidates)-1], nil
	})
	got, err := d.Select([]string{"a", "b"}, StrategyCustom)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestSelectUnknownStrategy(t *testing.T) {
	d := New(nil)
	_, err := d.Select([]string{"a"}, Strategy("FANCY"))
	require.Error(t, err)
	var ce *core.CoordError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.CategoryValidation, ce.Category)
}

func TestSelectEmptyCandidates(t *testing.T) {
	d := New(nil)
	_, err := d.Select(nil, StrategyCapabilityMatch)
	require.Error(t, err)

	var ce *core.CoordError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.CodeTaskDistributionFailed, ce.Code)
	assert.Equal(t, core.CategoryResource, ce.Category)
	assert.Equal(t, 404, ce.HTTPStatus)
	assert.True(t, core.IsNotFound(err))
}

func TestDistributeLoadAccounting(t *testing.T) {
	sender := &captureSender{}
	d := New(&Config{Sender: sender})
	d.RegisterAgent("a1", []string{"text"}, 0)
	d.RegisterAgent("a2", []string{"text", "code"}, 0)

	res, err := d.Distribute(context.Background(), DistributionRequest{
		TaskID:   "T",
		TaskType: "compile",
		Required: []string{"code"},
		SenderID: "orchestrator",
	})
	require.NoError(t, err)
	assert.Equal(t, "T", res.TaskID)
	assert.Equal(t, "a2", res.AgentID)
	assert.Equal(t, StatusDistributed, res.Status)
	assert.False(t, res.Timestamp.IsZero())
	assert.Equal(t, 1, d.Load("a2"))
	assert.Equal(t, 0, d.Load("a1"))

	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, core.MessageTypeTaskRequest, msg.Type)
	assert.Equal(t, "a2", msg.RecipientID)
	assert.Equal(t, "orchestrator", msg.SenderID)
	assert.Equal(t, "T", msg.CorrelationID)
	assert.Equal(t, msg.ID, res.MessageID)

	payload, ok := msg.Content.(*TaskPayload)
	require.True(t, ok)
	assert.Equal(t, "T", payload.TaskID)
	assert.Equal(t, "compile", payload.TaskType)
	assert.Equal(t, []string{"code"}, payload.Required)

	d.HandleResponse("T", "a2", "completed", map[string]interface{}{"ok": true}, nil)
	assert.Equal(t, 0, d.Load("a2"))

	// A duplicate response must not drive the load negative.
	d.HandleResponse("T", "a2", "completed", nil, nil)
	assert.Equal(t, 0, d.Load("a2"))
}

func TestDistributeGeneratesTaskID(t *testing.T) {
	sender := &captureSender{}
	d := New(&Config{Sender: sender})
	d.RegisterAgent("a", nil, 0)

	res, err := d.Distribute(context.Background(), DistributionRequest{SenderID: "orch"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, res.TaskID, sender.msgs[0].CorrelationID)
}

func TestDistributePassesMessageOptions(t *testing.T) {
	sender := &captureSender{}
	d := New(&Config{Sender: sender})
	d.RegisterAgent("a", []string{"code"}, 0)

	ttl := 30.0
	_, err := d.Distribute(context.Background(), DistributionRequest{
		TaskID:     "T",
		Required:   []string{"code"},
		SenderID:   "orch",
		Priority:   core.PriorityHigh,
		TTLSeconds: &ttl,
		Metadata:   map[string]interface{}{"trace": "abc"},
		AuthToken:  "token-orch",
	})
	require.NoError(t, err)

	msg := sender.msgs[0]
	assert.Equal(t, core.PriorityHigh, msg.Priority)
	require.NotNil(t, msg.TTLSeconds)
	assert.Equal(t, 30.0, *msg.TTLSeconds)
	assert.Equal(t, "abc", msg.Metadata["trace"])
	assert.Equal(t, []string{"token-orch"}, sender.tokens)
}

func TestDistributeRollsBackOnSendFailure(t *testing.T) {
	sender := &captureSender{fail: core.ErrConnectionFailed}
	d := New(&Config{Sender: sender})
	d.RegisterAgent("a", nil, 0)

	_, err := d.Distribute(context.Background(), DistributionRequest{TaskID: "T", SenderID: "orch"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnectionFailed))
	assert.Equal(t, 0, d.Load("a"), "failed dispatch must release the claim")
}

func TestDistributeNoAgents(t *testing.T) {
	d := New(&Config{Sender: SenderFunc(func(ctx context.Context, msg *core.Message, authToken string) (string, error) {
		t.Fatal("nothing should be sent")
		return "", nil
	})})
	d.RegisterAgent("textonly", []string{"text"}, 0)

	_, err := d.Distribute(context.Background(), DistributionRequest{
		Required: []string{"code"},
		SenderID: "orch",
	})
	require.Error(t, err)
	var ce *core.CoordError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.CodeTaskDistributionFailed, ce.Code)
}

func TestDistributeWithoutSender(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("a", nil, 0)
	_, err := d.Distribute(context.Background(), DistributionRequest{SenderID: "orch"})
	require.Error(t, err)
}

func TestDistributeLoadBalancedAlternates(t *testing.T) {
	sender := &captureSender{}
	d := New(&Config{Sender: sender})
	d.RegisterAgent("a", []string{"work"}, 0)
	d.RegisterAgent("b", []string{"work"}, 0)

	for i := 0; i < 3; i++ {
		_, err := d.Distribute(context.Background(), DistributionRequest{
			Required: []string{"work"},
			SenderID: "orch",
			Strategy: StrategyLoadBalanced,
		})
		require.NoError(t, err)
	}

	// Tie goes to "a", then "b" is lighter, then the tie goes to "a" again.
	assert.Equal(t, 2, d.Load("a"))
	assert.Equal(t, 1, d.Load("b"))
}

func TestReRegistrationKeepsLoad(t *testing.T) {
	sender := &captureSender{}
	d := New(&Config{Sender: sender})
	d.RegisterAgent("a", []string{"v1"}, 0)

	_, err := d.Distribute(context.Background(), DistributionRequest{
		TaskID: "T", Required: []string{"v1"}, SenderID: "orch",
	})
	require.NoError(t, err)
	require.Equal(t, 1, d.Load("a"))

	d.RegisterAgent("a", []string{"v2"}, 5)
	assert.Equal(t, 1, d.Load("a"), "re-registration must not erase in-flight work")
	snap := d.Snapshot()
	assert.Equal(t, []string{"v2"}, snap["a"].Capabilities)
	assert.Equal(t, 5, snap["a"].PriorityRank)
}

func TestUnregisterAndUnknownAgents(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("a", []string{"code"}, 0)
	d.UnregisterAgent("a")

	assert.Empty(t, d.FindSuitable([]string{"code"}, nil))
	assert.Equal(t, 0, d.Load("a"))

	// Accounting for unknown agents is a no-op, not a panic or a phantom.
	d.HandleResponse("T", "ghost", "completed", nil, nil)
	d.SetOnline("ghost", true)
	_, ok := d.Snapshot()["ghost"]
	assert.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	d := New(nil)
	d.RegisterAgent("a", []string{"code"}, 3)

	snap := d.Snapshot()
	snap["a"].Capabilities[0] = "tampered"
	state, ok := snap["a"]
	require.True(t, ok)
	assert.True(t, state.Online)
	assert.Equal(t, 3, state.PriorityRank)

	fresh := d.Snapshot()
	assert.Equal(t, []string{"code"}, fresh["a"].Capabilities)
}
