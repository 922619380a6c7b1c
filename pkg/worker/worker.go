package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/budget"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/skill"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
)

const (
	idlePoll = 100 * time.Millisecond

	// Back-pressure: while the review queue sits at or above the high-water
	// mark, the worker pauses, doubling its pause up to the cap.
	reviewHighWater   = 1000
	backPressureBase  = 200 * time.Millisecond
	backPressureLimit = 2 * time.Second
)

// Options tunes one worker loop. Zero values take the defaults.
type Options struct {
	Lease       time.Duration
	MaxAttempts int
}

func (o *Options) setDefaults() {
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// Worker leases tasks, dispatches them through the skill table, and reports
// results onto the review queue. All external I/O happens inside skills;
// the worker owns only the lease lifecycle and the budget pre-check.
type Worker struct {
	id     string
	store  store.Store
	keys   keyspace.Keyspace
	table  skill.Table
	env    *skill.Env
	ledger *budget.Ledger
	broker *events.Broker
	opts   Options
	logger zerolog.Logger
}

func New(s store.Store, tenantID string, table skill.Table, env *skill.Env, ledger *budget.Ledger, broker *events.Broker, opts Options) *Worker {
	opts.setDefaults()
	id := "worker-" + uuid.NewString()[:8]
	keys := keyspace.For(tenantID)
	return &Worker{
		id:     id,
		store:  s,
		keys:   keys,
		table:  table,
		env:    env,
		ledger: ledger,
		broker: broker,
		opts:   opts,
		logger: log.WithComponent("worker").With().Str("worker_id", id).Str("tenant_id", keys.TenantID()).Logger(),
	}
}

// ID returns the worker's identity, stamped on every result it produces.
func (w *Worker) ID() string { return w.id }

// Run drives the IDLE -> LEASED -> EXECUTING -> REPORTING loop until ctx is
// cancelled. A held lease is nacked on shutdown so the task redelivers
// immediately instead of waiting out the lease.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker started")
	pause := backPressureBase
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		default:
		}

		if depth, err := w.store.Depth(w.keys.ReviewQueue()); err == nil && depth >= reviewHighWater {
			w.logger.Warn().Int("review_depth", depth).Dur("pause", pause).Msg("review queue at high water, pausing")
			if !sleep(ctx, pause) {
				return ctx.Err()
			}
			pause *= 2
			if pause > backPressureLimit {
				pause = backPressureLimit
			}
			continue
		}
		pause = backPressureBase

		item, err := w.store.PopHighest(w.keys.TaskQueue(), w.opts.Lease)
		if err != nil {
			w.logger.Error().Err(err).Msg("pop failed")
			if !sleep(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}
		if item == nil {
			if !sleep(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}

		if err := w.Process(ctx, item); err != nil {
			if ctx.Err() != nil {
				// shutdown mid-task: release the lease for immediate redelivery
				if nackErr := w.store.Nack(item.Token, true); nackErr != nil && !errors.Is(nackErr, store.ErrLeaseExpired) {
					w.logger.Error().Err(nackErr).Msg("nack on shutdown failed")
				}
				w.logger.Info().Msg("worker stopped")
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("task processing failed")
		}
	}
}

// Process handles one leased item end to end.
func (w *Worker) Process(ctx context.Context, item *store.Item) error {
	var task types.Task
	if err := json.Unmarshal(item.Payload, &task); err != nil {
		// undecodable payloads can never succeed; drop the queue entry
		w.logger.Error().Err(err).Msg("discarding undecodable task payload")
		return w.store.Nack(item.Token, false)
	}
	// the payload carries the attempt base set at (re)enqueue time; the
	// store counts redeliveries of this particular entry on top of it
	task.Attempt += item.Attempt
	logger := w.logger.With().Str("task_id", task.ID).Str("task_type", string(task.Type)).Int("attempt", task.Attempt).Logger()

	if task.Attempt >= w.opts.MaxAttempts {
		return w.escalateRepeatedFailure(item, &task, logger)
	}

	if err := w.markInProgress(&task); err != nil {
		return release(w.store, item.Token, err)
	}
	metrics.TasksDispatched.WithLabelValues(task.TenantID, string(task.Type)).Inc()
	if w.broker != nil {
		w.broker.Emit(events.EventTaskDispatched, task.TenantID, task.ID, string(task.Type))
	}

	result := w.execute(ctx, &task)
	if result == nil {
		// transient failure: release the lease so the attempt counter moves
		logger.Warn().Msg("transient failure, requeueing")
		return w.store.Nack(item.Token, true)
	}
	return w.report(item, &task, result, logger)
}

// execute runs the skill and shapes its outcome into a TaskResult. A nil
// return means the failure is transient and the task should redeliver.
func (w *Worker) execute(ctx context.Context, task *types.Task) *types.TaskResult {
	result := &types.TaskResult{
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		CampaignID: task.CampaignID,
		WorkerID:   w.id,
		Attempt:    task.Attempt,
		AgentID:    agentFor(task),
		Priority:   task.Priority,
		ExecutedAt: time.Now().UTC(),
	}

	if !task.Type.Valid() {
		result.Status = types.ResultError
		result.Reason = types.ReasonUnknownTaskType
		result.Reasoning = fmt.Sprintf("no skill registered for task type %q", task.Type)
		return result
	}

	if task.Type == types.TaskTypeExecuteTransaction {
		if refused := w.preCheckBudget(task, result); refused {
			return result
		}
	}

	out, err := w.table.Dispatch(ctx, task, w.env)
	switch {
	case err == nil:
		result.Status = types.ResultSuccess
		result.Output = out.Output
		result.Confidence = out.Confidence
		result.Reasoning = out.Reasoning
		result.CostUSDC = out.CostUSDC
		return result
	case errors.Is(err, tool.ErrSchemaViolation):
		result.Status = types.ResultError
		result.Reason = types.ReasonSchemaViolation
		result.Reasoning = err.Error()
		return result
	case errors.Is(err, skill.ErrUnknownType):
		result.Status = types.ResultError
		result.Reason = types.ReasonUnknownTaskType
		result.Reasoning = err.Error()
		return result
	default:
		// cancellation or tool transport failure: retry on a later attempt
		return nil
	}
}

// preCheckBudget refuses over-cap commerce tasks before any external call.
// The refusal still travels through review so the operator sees it.
func (w *Worker) preCheckBudget(task *types.Task, result *types.TaskResult) bool {
	amount, err := skill.TxAmount(task)
	if err != nil {
		result.Status = types.ResultError
		result.Reason = types.ReasonSchemaViolation
		result.Reasoning = err.Error()
		return true
	}
	err = w.ledger.Check(task.TenantID, result.AgentID, amount, time.Now())
	if err == nil {
		return false
	}
	result.Status = types.ResultError
	result.Confidence = 0
	if errors.Is(err, budget.ErrPerTxCap) {
		result.Reason = types.ReasonPerTxCap
	} else {
		result.Reason = types.ReasonDailyCap
	}
	result.Reasoning = err.Error()
	metrics.BudgetRefusals.WithLabelValues(task.TenantID, result.Reason).Inc()
	if w.broker != nil {
		w.broker.Emit(events.EventBudgetRefused, task.TenantID, task.ID, result.Reason)
	}
	return true
}

// report atomically moves the task to review and publishes the result, then
// acks the lease. An expired lease at ack time means the task already
// redelivered; the duplicate result is tolerated downstream.
func (w *Worker) report(item *store.Item, task *types.Task, result *types.TaskResult, logger zerolog.Logger) error {
	task.State = types.TaskStateReview
	task.UpdatedAt = time.Now().UTC()
	taskRaw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	err = w.store.Update(func(tx store.Txn) error {
		if err := tx.Put(w.keys.Task(task.ID), taskRaw, 0); err != nil {
			return err
		}
		return tx.Enqueue(w.keys.ReviewQueue(), resultRaw, task.Priority)
	})
	if err != nil {
		return release(w.store, item.Token, err)
	}
	if w.broker != nil {
		w.broker.Emit(events.EventResultProduced, task.TenantID, task.ID, string(result.Status))
	}
	logger.Debug().Str("status", string(result.Status)).Float64("confidence", result.Confidence).Msg("result reported")

	if err := w.store.Ack(item.Token); err != nil {
		if errors.Is(err, store.ErrLeaseExpired) {
			logger.Warn().Msg("lease expired before ack, result may duplicate")
			return nil
		}
		return err
	}
	return nil
}

// escalateRepeatedFailure parks a task that burned all its attempts.
func (w *Worker) escalateRepeatedFailure(item *store.Item, task *types.Task, logger zerolog.Logger) error {
	now := time.Now().UTC()
	task.State = types.TaskStateEscalated
	task.UpdatedAt = now
	hitlItem := &types.HITLItem{
		TaskID:   task.ID,
		TenantID: task.TenantID,
		Task:     task,
		Reason:   types.ReasonRepeatedFailure,
		QueuedAt: now,
		Status:   types.HITLPending,
	}
	taskRaw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	itemRaw, err := json.Marshal(hitlItem)
	if err != nil {
		return err
	}
	err = w.store.Update(func(tx store.Txn) error {
		if err := tx.Put(w.keys.Task(task.ID), taskRaw, 0); err != nil {
			return err
		}
		if err := tx.Put(w.keys.HITLItem(task.ID), itemRaw, 0); err != nil {
			return err
		}
		// The operator queue is FIFO; priority carries no meaning there.
		return tx.Enqueue(w.keys.HITLQueue(), itemRaw, types.PriorityMedium)
	})
	if err != nil {
		return release(w.store, item.Token, err)
	}
	if w.broker != nil {
		w.broker.Emit(events.EventHITLQueued, task.TenantID, task.ID, types.ReasonRepeatedFailure)
	}
	logger.Warn().Int("max_attempts", w.opts.MaxAttempts).Msg("task escalated after repeated failures")
	return w.store.Ack(item.Token)
}

func (w *Worker) markInProgress(task *types.Task) error {
	task.State = types.TaskStateInProgress
	task.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.store.Put(w.keys.Task(task.ID), raw, 0)
}

// agentFor resolves the budget identity a task spends under.
func agentFor(task *types.Task) string {
	if task.AgentID != "" {
		return task.AgentID
	}
	return "fleet"
}

// release returns a leased item to the queue after an internal error,
// preserving the original error for the caller.
func release(s store.Store, token string, cause error) error {
	if err := s.Nack(token, true); err != nil && !errors.Is(err, store.ErrLeaseExpired) {
		return fmt.Errorf("%v (nack failed: %w)", cause, err)
	}
	return cause
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
