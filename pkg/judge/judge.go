package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/budget"
	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

const (
	idlePoll = 100 * time.Millisecond

	// maxCommitRetries bounds the OCC retry loop; after that the item is
	// parked for a human with reason occ_contention.
	maxCommitRetries = 5
)

// Options tunes one judge loop.
type Options struct {
	Lease            time.Duration
	HighConfidence   float64
	MediumConfidence float64
	SensitiveTopics  []string
}

func (o *Options) setDefaults() {
	if o.Lease <= 0 {
		o.Lease = 60 * time.Second
	}
	if o.HighConfidence <= 0 {
		o.HighConfidence = 0.90
	}
	if o.MediumConfidence <= 0 {
		o.MediumConfidence = 0.70
	}
}

// Judge reviews worker results, decides approve/reject/escalate, and owns
// the only write path that commits outputs and campaign state.
type Judge struct {
	store     store.Store
	keys      keyspace.Keyspace
	campaigns *campaign.Manager
	ledger    *budget.Ledger
	broker    *events.Broker
	opts      Options
	logger    zerolog.Logger
}

func New(s store.Store, tenantID string, campaigns *campaign.Manager, ledger *budget.Ledger, broker *events.Broker, opts Options) *Judge {
	opts.setDefaults()
	keys := keyspace.For(tenantID)
	return &Judge{
		store:     s,
		keys:      keys,
		campaigns: campaigns,
		ledger:    ledger,
		broker:    broker,
		opts:      opts,
		logger:    log.WithComponent("judge").With().Str("tenant_id", keys.TenantID()).Logger(),
	}
}

// Run pops results off the review queue until ctx is cancelled.
func (j *Judge) Run(ctx context.Context) error {
	j.logger.Info().Msg("judge started")
	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("judge stopped")
			return ctx.Err()
		default:
		}

		item, err := j.store.PopHighest(j.keys.ReviewQueue(), j.opts.Lease)
		if err != nil {
			j.logger.Error().Err(err).Msg("pop failed")
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

		if err := j.Review(ctx, item); err != nil {
			if ctx.Err() != nil {
				if nackErr := j.store.Nack(item.Token, true); nackErr != nil && !errors.Is(nackErr, store.ErrLeaseExpired) {
					j.logger.Error().Err(nackErr).Msg("nack on shutdown failed")
				}
				j.logger.Info().Msg("judge stopped")
				return ctx.Err()
			}
			j.logger.Error().Err(err).Msg("review failed")
		}
	}
}

// Decide runs the decision procedure in strict order: sensitive content
// always escalates, then confidence bands pick approve/escalate/reject.
// Error results escalate carrying the worker's reason.
func (j *Judge) Decide(result *types.TaskResult) *types.JudgeDecision {
	d := &types.JudgeDecision{
		TaskID:     result.TaskID,
		TenantID:   result.TenantID,
		Confidence: result.Confidence,
		DecidedAt:  time.Now().UTC(),
	}

	if result.Status == types.ResultError {
		d.Decision = types.DecisionEscalate
		d.RequiresHuman = true
		d.Reasoning = fmt.Sprintf("worker reported error (%s): %s", result.Reason, result.Reasoning)
		return d
	}
	if topic, hit := j.sensitiveHit(result.Output); hit {
		d.Decision = types.DecisionEscalate
		d.RequiresHuman = true
		d.Reasoning = fmt.Sprintf("output touches sensitive topic %q", topic)
		return d
	}
	switch {
	case result.Confidence >= j.opts.HighConfidence:
		d.Decision = types.DecisionApprove
		d.Reasoning = fmt.Sprintf("confidence %.2f clears the auto-approve bar", result.Confidence)
	case result.Confidence >= j.opts.MediumConfidence:
		d.Decision = types.DecisionEscalate
		d.RequiresHuman = true
		d.Reasoning = fmt.Sprintf("confidence %.2f in the human-review band", result.Confidence)
	default:
		d.Decision = types.DecisionReject
		d.Reasoning = fmt.Sprintf("confidence %.2f below the retry floor", result.Confidence)
	}
	return d
}

// sensitiveHit scans every string reachable in the output for the
// configured vocabulary, case-insensitive substring.
func (j *Judge) sensitiveHit(output map[string]interface{}) (string, bool) {
	if len(j.opts.SensitiveTopics) == 0 || len(output) == 0 {
		return "", false
	}
	var sb strings.Builder
	flattenStrings(output, &sb)
	haystack := strings.ToLower(sb.String())
	for _, topic := range j.opts.SensitiveTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(topic)) {
			return topic, true
		}
	}
	return "", false
}

func flattenStrings(v interface{}, sb *strings.Builder) {
	switch t := v.(type) {
	case string:
		sb.WriteString(t)
		sb.WriteByte(' ')
	case map[string]interface{}:
		for _, e := range t {
			flattenStrings(e, sb)
		}
	case []interface{}:
		for _, e := range t {
			flattenStrings(e, sb)
		}
	}
}

// Review applies the decision for one leased result and acks the lease.
func (j *Judge) Review(ctx context.Context, item *store.Item) error {
	var result types.TaskResult
	if err := json.Unmarshal(item.Payload, &result); err != nil {
		j.logger.Error().Err(err).Msg("discarding undecodable result payload")
		return j.store.Nack(item.Token, false)
	}
	logger := j.logger.With().Str("task_id", result.TaskID).Float64("confidence", result.Confidence).Logger()

	decision := j.Decide(&result)
	metrics.JudgeDecisions.WithLabelValues(result.TenantID, string(decision.Decision)).Inc()

	var err error
	switch decision.Decision {
	case types.DecisionApprove:
		err = j.CommitApproved(ctx, &result, decision)
	case types.DecisionReject:
		err = j.reject(&result, decision)
	default:
		err = j.escalate(&result, decision, escalationReason(&result))
	}
	if err != nil {
		return release(j.store, item.Token, err)
	}

	logger.Debug().Str("decision", string(decision.Decision)).Msg("result reviewed")
	if ackErr := j.store.Ack(item.Token); ackErr != nil && !errors.Is(ackErr, store.ErrLeaseExpired) {
		return ackErr
	}
	return nil
}

func escalationReason(result *types.TaskResult) string {
	if result.Reason != "" {
		return result.Reason
	}
	return "requires_human_review"
}

// CommitApproved runs the OCC commit: decrement the campaign budget at the
// version we read, write the output, record the decision and spend, and mark
// the task committed, all in one store transaction. Version conflicts
// re-read and retry; persistent contention escalates instead of failing.
//
// The task flips to committed_pending before the heavyweight writes inside
// the same transaction sequence; the boot-time recovery scanner finishes any
// task caught between the two phases by a crash.
func (j *Judge) CommitApproved(ctx context.Context, result *types.TaskResult, decision *types.JudgeDecision) error {
	start := time.Now()
	defer func() { metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := j.tryCommit(result, decision)
		if err == nil {
			if j.broker != nil {
				j.broker.Emit(events.EventJudgeApproved, result.TenantID, result.TaskID, decision.Reasoning)
				j.broker.Emit(events.EventTaskCommitted, result.TenantID, result.TaskID, "")
			}
			if result.CostUSDC > 0 {
				metrics.BudgetSpend.WithLabelValues(result.TenantID, result.AgentID).Add(result.CostUSDC)
			}
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.OCCConflicts.WithLabelValues(result.TenantID).Inc()
			if j.broker != nil {
				j.broker.Emit(events.EventOCCConflict, result.TenantID, result.TaskID, "")
			}
			continue
		}
		if errors.Is(err, budget.ErrPerTxCap) || errors.Is(err, budget.ErrDailyCap) {
			// spend landed between the worker's pre-check and now
			decision.Decision = types.DecisionEscalate
			decision.RequiresHuman = true
			decision.Reasoning = err.Error()
			reason := types.ReasonDailyCap
			if errors.Is(err, budget.ErrPerTxCap) {
				reason = types.ReasonPerTxCap
			}
			metrics.BudgetRefusals.WithLabelValues(result.TenantID, reason).Inc()
			return j.escalate(result, decision, reason)
		}
		return err
	}

	decision.Decision = types.DecisionEscalate
	decision.RequiresHuman = true
	decision.Reasoning = fmt.Sprintf("campaign version moved %d times during commit", maxCommitRetries)
	return j.escalate(result, decision, types.ReasonOCCContention)
}

// tryCommit is one two-phase commit attempt at the currently visible
// campaign version.
func (j *Judge) tryCommit(result *types.TaskResult, decision *types.JudgeDecision) error {
	now := time.Now().UTC()

	// A redelivered result whose commit already landed at this attempt must
	// not move the budget, the ledger, or the campaign version again. The
	// review queue redelivers on lease expiry and workers may ack late, so
	// the same (task, attempt) can arrive more than once.
	task, err := j.getTask(result.TaskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if task != nil && task.State == types.TaskStateCommitted && task.Attempt == result.Attempt {
		return nil
	}

	// Phase 1: stamp the intent. A crash after this point is finished by
	// the recovery scanner, never rolled back.
	if err := j.markTask(result.TaskID, types.TaskStateCommitPending, result.Attempt, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Phase 2: everything else in one transaction.
	err = j.store.Update(func(tx store.Txn) error {
		if result.CampaignID != "" {
			cs, err := j.campaigns.GetTx(tx, j.keys.TenantID(), result.CampaignID)
			if err != nil && !errors.Is(err, campaign.ErrNotFound) {
				return err
			}
			if cs != nil {
				if result.CostUSDC > 0 {
					cs.BudgetRemaining -= result.CostUSDC
					if cs.BudgetRemaining < 0 {
						cs.BudgetRemaining = 0
					}
				}
				cs.UpdatedAt = now
				if err := j.campaigns.SwapTx(tx, cs); err != nil {
					return err
				}
			}
		}
		if result.CostUSDC > 0 {
			if err := j.ledger.RecordTx(tx, result.TenantID, result.AgentID, result.CostUSDC, now); err != nil {
				return err
			}
		}

		outputRaw, err := json.Marshal(result.Output)
		if err != nil {
			return err
		}
		if err := tx.Put(j.keys.Output(result.TaskID), outputRaw, 0); err != nil {
			return err
		}
		decisionRaw, err := json.Marshal(decision)
		if err != nil {
			return err
		}
		if err := tx.Put(j.keys.Decision(result.TaskID), decisionRaw, 0); err != nil {
			return err
		}
		return j.putTaskStateTx(tx, result.TaskID, types.TaskStateCommitted, result.Attempt, now)
	})
	return err
}

// reject demotes and requeues, or escalates when there is no tier left to
// demote to.
func (j *Judge) reject(result *types.TaskResult, decision *types.JudgeDecision) error {
	task, err := j.getTask(result.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// nothing left to requeue; let a human look at it
		decision.RequiresHuman = true
		return j.escalate(result, decision, "missing_task_record")
	}
	if err != nil {
		return err
	}
	if task.Priority == types.PriorityLow {
		decision.Decision = types.DecisionEscalate
		decision.RequiresHuman = true
		decision.Reasoning = "rejected at low priority, no tier left to demote to"
		return j.escalate(result, decision, "requires_human_review")
	}

	now := time.Now().UTC()
	task.Priority = task.Priority.Demote()
	task.Attempt = result.Attempt + 1
	task.State = types.TaskStatePending
	task.UpdatedAt = now
	taskRaw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	decisionRaw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	err = j.store.Update(func(tx store.Txn) error {
		if err := tx.Put(j.keys.Task(task.ID), taskRaw, 0); err != nil {
			return err
		}
		if err := tx.Put(j.keys.Decision(task.ID), decisionRaw, 0); err != nil {
			return err
		}
		return tx.Enqueue(j.keys.TaskQueue(), taskRaw, task.Priority)
	})
	if err != nil {
		return err
	}
	if j.broker != nil {
		j.broker.Emit(events.EventJudgeRejected, result.TenantID, result.TaskID, decision.Reasoning)
	}
	return nil
}

// escalate parks the result for a human operator.
func (j *Judge) escalate(result *types.TaskResult, decision *types.JudgeDecision, reason string) error {
	now := time.Now().UTC()
	task, err := j.getTask(result.TaskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if task != nil {
		task.State = types.TaskStateEscalated
		task.UpdatedAt = now
	}
	hitlItem := &types.HITLItem{
		TaskID:   result.TaskID,
		TenantID: result.TenantID,
		Payload:  result,
		Task:     task,
		Reason:   reason,
		QueuedAt: now,
		Status:   types.HITLPending,
	}
	itemRaw, err := json.Marshal(hitlItem)
	if err != nil {
		return err
	}
	decisionRaw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	err = j.store.Update(func(tx store.Txn) error {
		if task != nil {
			taskRaw, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := tx.Put(j.keys.Task(task.ID), taskRaw, 0); err != nil {
				return err
			}
		}
		if err := tx.Put(j.keys.Decision(result.TaskID), decisionRaw, 0); err != nil {
			return err
		}
		if err := tx.Put(j.keys.HITLItem(result.TaskID), itemRaw, 0); err != nil {
			return err
		}
		// The operator queue is FIFO; priority carries no meaning there.
		return tx.Enqueue(j.keys.HITLQueue(), itemRaw, types.PriorityMedium)
	})
	if err != nil {
		return err
	}
	if j.broker != nil {
		j.broker.Emit(events.EventJudgeEscalated, result.TenantID, result.TaskID, reason)
		j.broker.Emit(events.EventHITLQueued, result.TenantID, result.TaskID, reason)
	}
	return nil
}

// RecoverPending finishes commits interrupted between the two phases. Runs
// once on boot before the review loop starts.
func (j *Judge) RecoverPending(ctx context.Context) error {
	all, err := j.store.List(j.keys.TaskPrefix())
	if err != nil {
		return err
	}
	recovered := 0
	for _, raw := range all {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var task types.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			continue
		}
		if task.State != types.TaskStateCommitPending {
			continue
		}
		// the intent was durable, so the commit is re-run to completion;
		// output and decision writes are idempotent per (task, attempt)
		result := &types.TaskResult{
			TaskID:     task.ID,
			TenantID:   task.TenantID,
			CampaignID: task.CampaignID,
			Attempt:    task.Attempt,
			Status:     types.ResultSuccess,
			Priority:   task.Priority,
			AgentID:    "fleet",
		}
		decision := &types.JudgeDecision{
			TaskID:    task.ID,
			TenantID:  task.TenantID,
			Decision:  types.DecisionApprove,
			Reasoning: "commit finished by recovery scan",
			DecidedAt: time.Now().UTC(),
		}
		if existing, _, err := j.store.Get(j.keys.Output(task.ID)); err == nil {
			_ = json.Unmarshal(existing, &result.Output)
		}
		if err := j.tryCommit(result, decision); err != nil {
			j.logger.Error().Err(err).Str("task_id", task.ID).Msg("recovery commit failed")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		j.logger.Info().Int("tasks", recovered).Msg("recovered interrupted commits")
	}
	return nil
}

func (j *Judge) getTask(taskID string) (*types.Task, error) {
	raw, _, err := j.store.Get(j.keys.Task(taskID))
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (j *Judge) markTask(taskID string, state types.TaskState, attempt int, now time.Time) error {
	return j.store.Update(func(tx store.Txn) error {
		return j.putTaskStateTx(tx, taskID, state, attempt, now)
	})
}

func (j *Judge) putTaskStateTx(tx store.Txn, taskID string, state types.TaskState, attempt int, now time.Time) error {
	raw, _, err := tx.Get(j.keys.Task(taskID))
	if errors.Is(err, store.ErrNotFound) {
		// a result can outlive its task record; the output still commits
		return nil
	}
	if err != nil {
		return err
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return err
	}
	task.State = state
	task.Attempt = attempt
	task.UpdatedAt = now
	updated, err := json.Marshal(&task)
	if err != nil {
		return err
	}
	return tx.Put(j.keys.Task(taskID), updated, 0)
}

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
