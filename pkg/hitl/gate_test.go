package hitl

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/budget"
	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/judge"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

func newTestGate(t *testing.T) (*Gate, *store.BoltStore, keyspace.Keyspace) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	j := judge.New(s, "acme", campaign.NewManager(s), budget.NewLedger(s, 50, 10), nil, judge.Options{})
	g := NewGate(s, "acme", j, nil)
	return g, s, keyspace.For("acme")
}

func parkItem(t *testing.T, s store.Store, keys keyspace.Keyspace, item *types.HITLItem) {
	t.Helper()
	item.TenantID = keys.TenantID()
	item.Status = types.HITLPending
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	require.NoError(t, s.Put(keys.HITLItem(item.TaskID), raw, 0))
	if item.Task != nil {
		item.Task.TenantID = keys.TenantID()
		taskRaw, err := json.Marshal(item.Task)
		require.NoError(t, err)
		require.NoError(t, s.Put(keys.Task(item.TaskID), taskRaw, 0))
	}
}

func loadTask(t *testing.T, s store.Store, keys keyspace.Keyspace, id string) *types.Task {
	t.Helper()
	raw, _, err := s.Get(keys.Task(id))
	require.NoError(t, err)
	var task types.Task
	require.NoError(t, json.Unmarshal(raw, &task))
	return &task
}

func TestPendingPagination(t *testing.T) {
	g, s, keys := newTestGate(t)
	base := time.Now().UTC()
	for i, id := range []string{"t-1", "t-2", "t-3"} {
		parkItem(t, s, keys, &types.HITLItem{
			TaskID:   id,
			Reason:   "requires_human_review",
			QueuedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	all, err := g.Pending(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t-1", all[0].TaskID, "oldest first")

	page, err := g.Pending(2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t-2", page[0].TaskID)

	empty, err := g.Pending(10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecideApproveCommits(t *testing.T) {
	g, s, keys := newTestGate(t)
	task := &types.Task{
		ID: "t-10", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityMedium, State: types.TaskStateEscalated,
	}
	parkItem(t, s, keys, &types.HITLItem{
		TaskID: "t-10",
		Task:   task,
		Payload: &types.TaskResult{
			TaskID: "t-10", TenantID: "acme", Status: types.ResultSuccess,
			Confidence: 0.8, Output: map[string]interface{}{"content": "draft"},
			Priority: types.PriorityMedium,
		},
		Reason: "requires_human_review",
	})

	edited := map[string]interface{}{"content": "operator-polished draft"}
	require.NoError(t, g.Decide(context.Background(), "t-10", types.VerdictApprove, edited, ""))

	out, _, err := s.Get(keys.Output("t-10"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "operator-polished")

	assert.Equal(t, types.TaskStateCommitted, loadTask(t, s, keys, "t-10").State)

	// the item is no longer pending
	pending, err := g.Pending(0, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDecideApproveWithoutResultPayload(t *testing.T) {
	g, s, keys := newTestGate(t)
	task := &types.Task{
		ID: "t-11", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityMedium, State: types.TaskStateEscalated, Attempt: 3,
	}
	parkItem(t, s, keys, &types.HITLItem{
		TaskID: "t-11",
		Task:   task,
		Reason: types.ReasonRepeatedFailure,
	})

	require.NoError(t, g.Decide(context.Background(), "t-11", types.VerdictApprove,
		map[string]interface{}{"content": "manual fill-in"}, ""))

	out, _, err := s.Get(keys.Output("t-11"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "manual fill-in")
	assert.Equal(t, types.TaskStateCommitted, loadTask(t, s, keys, "t-11").State)
}

func TestDecideRejectRetryRequeues(t *testing.T) {
	g, s, keys := newTestGate(t)
	task := &types.Task{
		ID: "t-12", Type: types.TaskTypeGenerateContent,
		Priority: types.PriorityMedium, State: types.TaskStateEscalated, Attempt: 1,
	}
	parkItem(t, s, keys, &types.HITLItem{TaskID: "t-12", Task: task, Reason: "requires_human_review"})

	require.NoError(t, g.Decide(context.Background(), "t-12", types.VerdictRejectRetry, nil, "try again"))

	item, err := s.PopHighest(keys.TaskQueue(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	var requeued types.Task
	require.NoError(t, json.Unmarshal(item.Payload, &requeued))
	assert.Equal(t, "t-12", requeued.ID)
	assert.Equal(t, 2, requeued.Attempt)
	assert.Equal(t, types.TaskStatePending, requeued.State)
}

func TestDecideRejectDropFailsTask(t *testing.T) {
	g, s, keys := newTestGate(t)
	task := &types.Task{
		ID: "t-13", Type: types.TaskTypePostContent,
		Priority: types.PriorityLow, State: types.TaskStateEscalated,
	}
	parkItem(t, s, keys, &types.HITLItem{TaskID: "t-13", Task: task, Reason: "requires_human_review"})

	require.NoError(t, g.Decide(context.Background(), "t-13", types.VerdictRejectDrop, nil, "off brand"))

	assert.Equal(t, types.TaskStateFailed, loadTask(t, s, keys, "t-13").State)

	decRaw, _, err := s.Get(keys.Decision("t-13"))
	require.NoError(t, err)
	assert.Contains(t, string(decRaw), "off brand")

	depth, err := s.Depth(keys.TaskQueue())
	require.NoError(t, err)
	assert.Zero(t, depth, "dropped tasks never requeue")
}

func TestDecideGuards(t *testing.T) {
	g, s, keys := newTestGate(t)
	parkItem(t, s, keys, &types.HITLItem{
		TaskID: "t-14",
		Task:   &types.Task{ID: "t-14", Type: types.TaskTypePostContent, Priority: types.PriorityLow},
		Reason: "requires_human_review",
	})

	err := g.Decide(context.Background(), "t-14", types.HITLVerdict("maybe"), nil, "")
	assert.ErrorIs(t, err, ErrUnknownVerdict)

	err = g.Decide(context.Background(), "missing", types.VerdictApprove, nil, "")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, g.Decide(context.Background(), "t-14", types.VerdictRejectDrop, nil, "done"))
	err = g.Decide(context.Background(), "t-14", types.VerdictApprove, nil, "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestRunDrainsQueueIntoRecords(t *testing.T) {
	g, s, keys := newTestGate(t)
	item := &types.HITLItem{
		TaskID:   "t-15",
		TenantID: "acme",
		Reason:   types.ReasonRepeatedFailure,
		QueuedAt: time.Now().UTC(),
		Status:   types.HITLPending,
	}
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	// queue entry without a kv record, as after a partial failure
	require.NoError(t, s.Enqueue(keys.HITLQueue(), raw, types.PriorityMedium))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = g.Run(ctx)

	depth, err := s.Depth(keys.HITLQueue())
	require.NoError(t, err)
	assert.Zero(t, depth)

	pending, err := g.Pending(0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t-15", pending[0].TaskID)
}
