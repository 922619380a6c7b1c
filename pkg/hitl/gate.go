package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/judge"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

var (
	// ErrNotFound is returned for a decision on an unknown task.
	ErrNotFound = errors.New("hitl: item not found")

	// ErrAlreadyDecided is returned when an operator races another decision.
	ErrAlreadyDecided = errors.New("hitl: item already decided")

	// ErrUnknownVerdict is returned for a verdict outside the accepted set.
	ErrUnknownVerdict = errors.New("hitl: unknown verdict")
)

const drainPoll = 250 * time.Millisecond

// Gate holds escalated items for human review and merges operator verdicts
// back into the pipeline. It never expires items; the review SLA is
// informational only.
type Gate struct {
	store  store.Store
	keys   keyspace.Keyspace
	judge  *judge.Judge
	broker *events.Broker
	logger zerolog.Logger
}

func NewGate(s store.Store, tenantID string, j *judge.Judge, broker *events.Broker) *Gate {
	keys := keyspace.For(tenantID)
	return &Gate{
		store:  s,
		keys:   keys,
		judge:  j,
		broker: broker,
		logger: log.WithComponent("hitl").With().Str("tenant_id", keys.TenantID()).Logger(),
	}
}

// Run drains the hitl queue into durable item records until ctx is
// cancelled. The queue is a delivery channel; the record under hitl:{task}
// is the source of truth operators poll.
func (g *Gate) Run(ctx context.Context) error {
	g.logger.Info().Msg("gate started")
	for {
		select {
		case <-ctx.Done():
			g.logger.Info().Msg("gate stopped")
			return ctx.Err()
		default:
		}

		item, err := g.store.PopHighest(g.keys.HITLQueue(), time.Minute)
		if err != nil {
			g.logger.Error().Err(err).Msg("pop failed")
		}
		if item == nil {
			select {
			case <-ctx.Done():
				g.logger.Info().Msg("gate stopped")
				return ctx.Err()
			case <-time.After(drainPoll):
			}
			continue
		}

		var parked types.HITLItem
		if err := json.Unmarshal(item.Payload, &parked); err != nil {
			g.logger.Error().Err(err).Msg("discarding undecodable hitl payload")
			_ = g.store.Nack(item.Token, false)
			continue
		}
		// the record usually exists already; recreate it if the writer's
		// kv put was lost to a partial failure
		if _, _, err := g.store.Get(g.keys.HITLItem(parked.TaskID)); errors.Is(err, store.ErrNotFound) {
			if err := g.store.Put(g.keys.HITLItem(parked.TaskID), item.Payload, 0); err != nil {
				_ = g.store.Nack(item.Token, true)
				continue
			}
		}
		if err := g.store.Ack(item.Token); err != nil && !errors.Is(err, store.ErrLeaseExpired) {
			g.logger.Error().Err(err).Msg("ack failed")
		}
	}
}

// Pending returns the pending items for operator polling, oldest first.
// offset/limit paginate; limit <= 0 means no cap.
func (g *Gate) Pending(limit, offset int) ([]*types.HITLItem, error) {
	all, err := g.store.List(g.keys.HITLPrefix())
	if err != nil {
		return nil, err
	}
	items := make([]*types.HITLItem, 0, len(all))
	for _, raw := range all {
		var item types.HITLItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.Status == types.HITLPending {
			items = append(items, &item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].QueuedAt.Before(items[j].QueuedAt) })

	if offset >= len(items) {
		return []*types.HITLItem{}, nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Decide applies an operator verdict. Approve runs the same commit path the
// judge uses, optionally with an edited payload; reject_retry requeues the
// task with its attempt counter bumped; reject_drop fails it for good.
func (g *Gate) Decide(ctx context.Context, taskID string, verdict types.HITLVerdict, editedPayload map[string]interface{}, reason string) error {
	if !verdict.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVerdict, verdict)
	}
	item, err := g.getItem(taskID)
	if err != nil {
		return err
	}
	if item.Status != types.HITLPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, taskID, item.Status)
	}

	switch verdict {
	case types.VerdictApprove:
		err = g.approve(ctx, item, editedPayload)
		item.Status = types.HITLApproved
	case types.VerdictRejectRetry:
		err = g.rejectRetry(item)
		item.Status = types.HITLRejectedRetry
	case types.VerdictRejectDrop:
		err = g.rejectDrop(item, reason)
		item.Status = types.HITLRejectedDrop
	}
	if err != nil {
		return err
	}

	raw, marshalErr := json.Marshal(item)
	if marshalErr != nil {
		return marshalErr
	}
	if err := g.store.Put(g.keys.HITLItem(taskID), raw, 0); err != nil {
		return err
	}
	metrics.HITLVerdicts.WithLabelValues(item.TenantID, string(verdict)).Inc()
	if g.broker != nil {
		g.broker.Emit(events.EventHITLDecided, item.TenantID, taskID, string(verdict))
		if verdict == types.VerdictRejectDrop {
			g.broker.Emit(events.EventTaskFailed, item.TenantID, taskID, reason)
		}
	}
	g.logger.Info().Str("task_id", taskID).Str("verdict", string(verdict)).Msg("operator verdict applied")
	return nil
}

// approve hands the item to the judge's commit path. Escalations that
// arrived without a worker result (repeated_failure) synthesize one; an
// edited payload replaces the output wholesale.
func (g *Gate) approve(ctx context.Context, item *types.HITLItem, editedPayload map[string]interface{}) error {
	result := item.Payload
	if result == nil {
		result = &types.TaskResult{
			TaskID:   item.TaskID,
			TenantID: item.TenantID,
			Status:   types.ResultSuccess,
			AgentID:  "fleet",
		}
		if item.Task != nil {
			result.CampaignID = item.Task.CampaignID
			result.Attempt = item.Task.Attempt
			result.Priority = item.Task.Priority
		}
	}
	if editedPayload != nil {
		result.Output = editedPayload
	}
	result.Status = types.ResultSuccess
	result.Confidence = 1.0

	decision := &types.JudgeDecision{
		TaskID:        item.TaskID,
		TenantID:      item.TenantID,
		Decision:      types.DecisionApprove,
		RequiresHuman: true,
		Reasoning:     "approved by operator",
		Confidence:    1.0,
		DecidedAt:     time.Now().UTC(),
	}
	return g.judge.CommitApproved(ctx, result, decision)
}

// rejectRetry puts the original task back on the task queue.
func (g *Gate) rejectRetry(item *types.HITLItem) error {
	task, err := g.getTask(item.TaskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.State = types.TaskStatePending
	task.Attempt++
	task.UpdatedAt = now
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return g.store.Update(func(tx store.Txn) error {
		if err := tx.Put(g.keys.Task(task.ID), raw, 0); err != nil {
			return err
		}
		return tx.Enqueue(g.keys.TaskQueue(), raw, task.Priority)
	})
}

// rejectDrop marks the task failed and records the operator's reasoning.
func (g *Gate) rejectDrop(item *types.HITLItem, reason string) error {
	now := time.Now().UTC()
	decision := &types.JudgeDecision{
		TaskID:        item.TaskID,
		TenantID:      item.TenantID,
		Decision:      types.DecisionReject,
		RequiresHuman: true,
		Reasoning:     reason,
		DecidedAt:     now,
	}
	decisionRaw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	return g.store.Update(func(tx store.Txn) error {
		if err := tx.Put(g.keys.Decision(item.TaskID), decisionRaw, 0); err != nil {
			return err
		}
		raw, _, err := tx.Get(g.keys.Task(item.TaskID))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var task types.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return err
		}
		task.State = types.TaskStateFailed
		task.UpdatedAt = now
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return tx.Put(g.keys.Task(task.ID), updated, 0)
	})
}

func (g *Gate) getItem(taskID string) (*types.HITLItem, error) {
	raw, _, err := g.store.Get(g.keys.HITLItem(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	var item types.HITLItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (g *Gate) getTask(taskID string) (*types.Task, error) {
	raw, _, err := g.store.Get(g.keys.Task(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
