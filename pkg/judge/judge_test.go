package judge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/budget"
	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

func newTestJudge(t *testing.T) (*Judge, *store.BoltStore, keyspace.Keyspace) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	j := New(s, "acme", campaign.NewManager(s), budget.NewLedger(s, 50, 10), nil, Options{
		SensitiveTopics: []string{"politics", "health", "financial", "legal", "religion"},
	})
	return j, s, keyspace.For("acme")
}

func putTask(t *testing.T, s store.Store, keys keyspace.Keyspace, task *types.Task) {
	t.Helper()
	task.TenantID = keys.TenantID()
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, s.Put(keys.Task(task.ID), raw, 0))
}

func getTask(t *testing.T, s store.Store, keys keyspace.Keyspace, id string) *types.Task {
	t.Helper()
	raw, _, err := s.Get(keys.Task(id))
	require.NoError(t, err)
	var task types.Task
	require.NoError(t, json.Unmarshal(raw, &task))
	return &task
}

func TestDecide(t *testing.T) {
	j, _, _ := newTestJudge(t)
	tests := []struct {
		name      string
		result    types.TaskResult
		want      types.Decision
		wantHuman bool
	}{
		{
			name:   "high confidence approves",
			result: types.TaskResult{Status: types.ResultSuccess, Confidence: 0.95, Output: map[string]interface{}{"content": "sunny day post"}},
			want:   types.DecisionApprove,
		},
		{
			name:   "boundary confidence approves",
			result: types.TaskResult{Status: types.ResultSuccess, Confidence: 0.90, Output: map[string]interface{}{"content": "fine"}},
			want:   types.DecisionApprove,
		},
		{
			name:      "medium band escalates",
			result:    types.TaskResult{Status: types.ResultSuccess, Confidence: 0.80, Output: map[string]interface{}{"content": "fine"}},
			want:      types.DecisionEscalate,
			wantHuman: true,
		},
		{
			name:   "low confidence rejects",
			result: types.TaskResult{Status: types.ResultSuccess, Confidence: 0.40, Output: map[string]interface{}{"content": "fine"}},
			want:   types.DecisionReject,
		},
		{
			name:      "sensitive topic overrides high confidence",
			result:    types.TaskResult{Status: types.ResultSuccess, Confidence: 0.99, Output: map[string]interface{}{"content": "Hot take on Health insurance"}},
			want:      types.DecisionEscalate,
			wantHuman: true,
		},
		{
			name: "sensitive match in nested output",
			result: types.TaskResult{Status: types.ResultSuccess, Confidence: 0.99, Output: map[string]interface{}{
				"posts": []interface{}{map[string]interface{}{"body": "new LEGAL framework dropped"}},
			}},
			want:      types.DecisionEscalate,
			wantHuman: true,
		},
		{
			name:      "error result escalates with reason",
			result:    types.TaskResult{Status: types.ResultError, Reason: types.ReasonPerTxCap},
			want:      types.DecisionEscalate,
			wantHuman: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := j.Decide(&tt.result)
			assert.Equal(t, tt.want, d.Decision)
			assert.Equal(t, tt.wantHuman, d.RequiresHuman)
		})
	}
}

func TestReviewApproveCommits(t *testing.T) {
	j, s, keys := newTestJudge(t)
	campaigns := campaign.NewManager(s)
	require.NoError(t, campaigns.Create(&types.CampaignState{
		CampaignID:      "camp-1",
		TenantID:        "acme",
		Goals:           []string{"grow"},
		BudgetRemaining: 100,
	}))
	putTask(t, s, keys, &types.Task{
		ID: "task-1", CampaignID: "camp-1",
		Type: types.TaskTypeExecuteTransaction, Priority: types.PriorityLow,
		State: types.TaskStateReview,
	})

	result := types.TaskResult{
		TaskID: "task-1", TenantID: "acme", CampaignID: "camp-1",
		AgentID: "agent-a", Status: types.ResultSuccess, Confidence: 0.95,
		Output: map[string]interface{}{"tx_hash": "0xfeed"}, CostUSDC: 7.5,
		Priority: types.PriorityLow,
	}
	raw, err := json.Marshal(&result)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(keys.ReviewQueue(), raw, result.Priority))

	item, err := s.PopHighest(keys.ReviewQueue(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, j.Review(context.Background(), item))

	// output landed
	out, _, err := s.Get(keys.Output("task-1"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "0xfeed")

	// decision recorded as approve
	decRaw, _, err := s.Get(keys.Decision("task-1"))
	require.NoError(t, err)
	var dec types.JudgeDecision
	require.NoError(t, json.Unmarshal(decRaw, &dec))
	assert.Equal(t, types.DecisionApprove, dec.Decision)

	// task committed
	assert.Equal(t, types.TaskStateCommitted, getTask(t, s, keys, "task-1").State)

	// campaign version bumped, budget decremented
	cs, err := campaigns.Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cs.Version)
	assert.Equal(t, 92.5, cs.BudgetRemaining)

	// spend recorded against the agent for today
	spent, err := j.ledger.Spent("acme", "agent-a", budget.Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 7.5, spent)
}

func TestCommitApprovedRedeliveryIsIdempotent(t *testing.T) {
	j, s, keys := newTestJudge(t)
	campaigns := campaign.NewManager(s)
	require.NoError(t, campaigns.Create(&types.CampaignState{
		CampaignID: "camp-1", TenantID: "acme", BudgetRemaining: 40,
	}))
	putTask(t, s, keys, &types.Task{
		ID: "task-8", CampaignID: "camp-1",
		Type: types.TaskTypeExecuteTransaction, Priority: types.PriorityLow,
		State: types.TaskStateReview,
	})
	result := types.TaskResult{
		TaskID: "task-8", TenantID: "acme", CampaignID: "camp-1",
		AgentID: "agent-a", Status: types.ResultSuccess, Confidence: 0.95,
		CostUSDC: 8, Output: map[string]interface{}{"tx_hash": "0xabc"},
		Priority: types.PriorityLow,
	}
	decision := j.Decide(&result)
	require.Equal(t, types.DecisionApprove, decision.Decision)

	// a review lease that expires after the commit lands redelivers the
	// same result; the second pass must not charge anything twice
	require.NoError(t, j.CommitApproved(context.Background(), &result, decision))
	require.NoError(t, j.CommitApproved(context.Background(), &result, decision))

	cs, err := campaigns.Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 32.0, cs.BudgetRemaining, "budget charged once")
	assert.Equal(t, uint64(2), cs.Version, "version bumped once")

	spent, err := j.ledger.Spent("acme", "agent-a", budget.Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 8.0, spent, "spend booked once")
	assert.Equal(t, types.TaskStateCommitted, getTask(t, s, keys, "task-8").State)
}

func TestCommitApprovedLaterAttemptCommits(t *testing.T) {
	j, s, keys := newTestJudge(t)
	campaigns := campaign.NewManager(s)
	require.NoError(t, campaigns.Create(&types.CampaignState{
		CampaignID: "camp-1", TenantID: "acme", BudgetRemaining: 40,
	}))
	putTask(t, s, keys, &types.Task{
		ID: "task-9", CampaignID: "camp-1",
		Type: types.TaskTypeExecuteTransaction, Priority: types.PriorityLow,
		State: types.TaskStateReview,
	})
	result := types.TaskResult{
		TaskID: "task-9", TenantID: "acme", CampaignID: "camp-1",
		AgentID: "agent-a", Status: types.ResultSuccess, Confidence: 0.95,
		CostUSDC: 4, Output: map[string]interface{}{"tx_hash": "0x1"},
		Priority: types.PriorityLow,
	}
	decision := j.Decide(&result)
	require.NoError(t, j.CommitApproved(context.Background(), &result, decision))

	// a genuine re-execution arrives at the next attempt and spends again
	result.Attempt = 1
	result.Output = map[string]interface{}{"tx_hash": "0x2"}
	require.NoError(t, j.CommitApproved(context.Background(), &result, decision))

	cs, err := campaigns.Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 32.0, cs.BudgetRemaining)
	assert.Equal(t, uint64(3), cs.Version)
}

func TestReviewRejectDemotesAndRequeues(t *testing.T) {
	j, s, keys := newTestJudge(t)
	putTask(t, s, keys, &types.Task{
		ID: "task-2", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityMedium, State: types.TaskStateReview,
	})
	result := types.TaskResult{
		TaskID: "task-2", TenantID: "acme", Status: types.ResultSuccess,
		Confidence: 0.3, Attempt: 0, Priority: types.PriorityMedium,
		Output: map[string]interface{}{"content": "meh"},
	}
	raw, err := json.Marshal(&result)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(keys.ReviewQueue(), raw, result.Priority))

	item, err := s.PopHighest(keys.ReviewQueue(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, j.Review(context.Background(), item))

	requeued, err := s.PopHighest(keys.TaskQueue(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	var task types.Task
	require.NoError(t, json.Unmarshal(requeued.Payload, &task))
	assert.Equal(t, "task-2", task.ID)
	assert.Equal(t, types.PriorityLow, task.Priority)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, types.TaskStatePending, task.State)
}

func TestReviewRejectAtLowPriorityEscalates(t *testing.T) {
	j, s, keys := newTestJudge(t)
	putTask(t, s, keys, &types.Task{
		ID: "task-3", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityLow, State: types.TaskStateReview,
	})
	result := types.TaskResult{
		TaskID: "task-3", TenantID: "acme", Status: types.ResultSuccess,
		Confidence: 0.1, Priority: types.PriorityLow,
		Output: map[string]interface{}{"content": "meh"},
	}
	raw, err := json.Marshal(&result)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(keys.ReviewQueue(), raw, result.Priority))

	item, err := s.PopHighest(keys.ReviewQueue(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, j.Review(context.Background(), item))

	taskDepth, err := s.Depth(keys.TaskQueue())
	require.NoError(t, err)
	assert.Zero(t, taskDepth, "no requeue at the lowest tier")

	hitl, err := s.PopHighest(keys.HITLQueue(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, hitl)
	var parked types.HITLItem
	require.NoError(t, json.Unmarshal(hitl.Payload, &parked))
	assert.Equal(t, "task-3", parked.TaskID)
	assert.Equal(t, types.TaskStateEscalated, getTask(t, s, keys, "task-3").State)
}

func TestEscalationsDrainInArrivalOrder(t *testing.T) {
	j, s, keys := newTestJudge(t)
	for _, tc := range []struct {
		id string
		pr types.Priority
	}{
		{"task-a", types.PriorityLow},
		{"task-b", types.PriorityHigh},
	} {
		putTask(t, s, keys, &types.Task{
			ID: tc.id, Type: types.TaskTypeGenerateContent,
			Priority: tc.pr, State: types.TaskStateReview,
		})
		result := types.TaskResult{
			TaskID: tc.id, TenantID: "acme", Status: types.ResultSuccess,
			Confidence: 0.80, Priority: tc.pr,
			Output: map[string]interface{}{"content": "fine"},
		}
		decision := j.Decide(&result)
		require.Equal(t, types.DecisionEscalate, decision.Decision)
		require.NoError(t, j.escalate(&result, decision, "confidence_band"))
	}

	// operators see escalations oldest first; the task's own priority
	// does not reorder the queue
	for _, want := range []string{"task-a", "task-b"} {
		item, err := s.PopHighest(keys.HITLQueue(), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)
		var parked types.HITLItem
		require.NoError(t, json.Unmarshal(item.Payload, &parked))
		assert.Equal(t, want, parked.TaskID)
		require.NoError(t, s.Ack(item.Token))
	}
}

func TestCommitBudgetRecheckEscalates(t *testing.T) {
	j, s, keys := newTestJudge(t)
	// burn 45 of the 50 USDC daily cap before the commit
	require.NoError(t, s.Update(func(tx store.Txn) error {
		return j.ledger.RecordTx(tx, "acme", "agent-a", 45, time.Now())
	}))
	putTask(t, s, keys, &types.Task{
		ID: "task-4", Type: types.TaskTypeExecuteTransaction,
		Priority: types.PriorityLow, State: types.TaskStateReview,
	})
	result := types.TaskResult{
		TaskID: "task-4", TenantID: "acme", AgentID: "agent-a",
		Status: types.ResultSuccess, Confidence: 0.95, CostUSDC: 8,
		Output: map[string]interface{}{"tx_hash": "0xbeef"}, Priority: types.PriorityLow,
	}
	decision := j.Decide(&result)
	require.Equal(t, types.DecisionApprove, decision.Decision)
	require.NoError(t, j.CommitApproved(context.Background(), &result, decision))

	// the spend was refused at commit time and routed to a human
	hitl, err := s.PopHighest(keys.HITLQueue(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, hitl)
	var parked types.HITLItem
	require.NoError(t, json.Unmarshal(hitl.Payload, &parked))
	assert.Equal(t, types.ReasonDailyCap, parked.Reason)

	spent, err := j.ledger.Spent("acme", "agent-a", budget.Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 45.0, spent, "refused spend must not be recorded")
}

// conflictStore forces version conflicts on the first n Update calls.
type conflictStore struct {
	store.Store
	remaining int
}

func (c *conflictStore) Update(fn func(tx store.Txn) error) error {
	if c.remaining > 0 {
		c.remaining--
		return store.ErrVersionConflict
	}
	return c.Store.Update(fn)
}

func TestCommitContentionEscalates(t *testing.T) {
	base, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	keys := keyspace.For("acme")

	putTask(t, base, keys, &types.Task{
		ID: "task-5", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityMedium, State: types.TaskStateReview,
	})

	cs := &conflictStore{Store: base, remaining: maxCommitRetries}
	j := New(cs, "acme", campaign.NewManager(cs), budget.NewLedger(cs, 50, 10), nil, Options{})

	result := types.TaskResult{
		TaskID: "task-5", TenantID: "acme", Status: types.ResultSuccess,
		Confidence: 0.95, Output: map[string]interface{}{"content": "fine"},
		Priority: types.PriorityMedium,
	}
	decision := j.Decide(&result)
	require.NoError(t, j.CommitApproved(context.Background(), &result, decision))

	hitl, err := base.PopHighest(keys.HITLQueue(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, hitl)
	var parked types.HITLItem
	require.NoError(t, json.Unmarshal(hitl.Payload, &parked))
	assert.Equal(t, types.ReasonOCCContention, parked.Reason)
}

func TestRecoverPendingFinishesCommit(t *testing.T) {
	j, s, keys := newTestJudge(t)
	campaigns := campaign.NewManager(s)
	require.NoError(t, campaigns.Create(&types.CampaignState{
		CampaignID: "camp-1", TenantID: "acme", BudgetRemaining: 10,
	}))
	putTask(t, s, keys, &types.Task{
		ID: "task-6", CampaignID: "camp-1",
		Type: types.TaskTypeGenerateContent, Priority: types.PriorityMedium,
		State: types.TaskStateCommitPending,
	})

	require.NoError(t, j.RecoverPending(context.Background()))

	assert.Equal(t, types.TaskStateCommitted, getTask(t, s, keys, "task-6").State)
	decRaw, _, err := s.Get(keys.Decision("task-6"))
	require.NoError(t, err)
	assert.Contains(t, string(decRaw), "recovery")

	cs, err := campaigns.Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cs.Version)
}

func TestRecoverPendingIgnoresOtherStates(t *testing.T) {
	j, s, keys := newTestJudge(t)
	putTask(t, s, keys, &types.Task{
		ID: "task-7", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityMedium, State: types.TaskStatePending,
	})
	require.NoError(t, j.RecoverPending(context.Background()))
	assert.Equal(t, types.TaskStatePending, getTask(t, s, keys, "task-7").State)
}
