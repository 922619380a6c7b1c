package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrUnavailable is surfaced after the bounded-retry state is exhausted.
// Nothing was enqueued; the caller may re-plan the same goals later.
var ErrUnavailable = errors.New("planner: store unavailable")

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	maxAttempts    = 6
)

// Vocabulary drives the decomposition rules. Matching is case-insensitive
// substring over the goal text.
var (
	trendWords    = []string{"trend", "trending", "viral", "buzz", "momentum", "emerging"}
	commerceWords = []string{"buy", "sell", "purchase", "pay", "tip", "sponsor", "transaction", "transfer"}
)

// Planner turns campaign goals into enqueued tasks. Decomposition is a
// deterministic table; scheduling order downstream is a function of
// priority alone, never of insertion order.
type Planner struct {
	store  store.Store
	keys   keyspace.Keyspace
	broker *events.Broker
	logger zerolog.Logger
}

func New(s store.Store, tenantID string, broker *events.Broker) *Planner {
	keys := keyspace.For(tenantID)
	return &Planner{
		store:  s,
		keys:   keys,
		broker: broker,
		logger: log.WithComponent("planner").With().Str("tenant_id", keys.TenantID()).Logger(),
	}
}

// Decompose expands one goal into its task chain. Trend goals open with a
// high-priority analysis; every goal gets a generate/post pair; commerce
// directives append a low-priority transaction.
func Decompose(goal string) []Step {
	lower := strings.ToLower(goal)
	var specs []Step

	if containsAny(lower, trendWords) {
		specs = append(specs, Step{
			Type:     types.TaskTypeAnalyzeTrends,
			Priority: types.PriorityHigh,
			Goal:     "Analyze trends for: " + goal,
		})
	}
	specs = append(specs,
		Step{
			Type:     types.TaskTypeGenerateContent,
			Priority: types.PriorityMedium,
			Goal:     "Generate content about: " + goal,
		},
		Step{
			Type:     types.TaskTypePostContent,
			Priority: types.PriorityMedium,
			Goal:     "Post generated content for: " + goal,
		},
	)
	if containsAny(lower, commerceWords) {
		specs = append(specs, Step{
			Type:     types.TaskTypeExecuteTransaction,
			Priority: types.PriorityLow,
			Goal:     "Execute transaction for: " + goal,
		})
	}
	return specs
}

// Step is one entry of a decomposition chain.
type Step struct {
	Type     types.TaskType
	Priority types.Priority
	Goal     string
}

// Plan decomposes every goal and enqueues the resulting batch all-or-nothing:
// one store transaction writes every task record and queue entry. On store
// unavailability it retries with exponential backoff before surfacing
// ErrUnavailable.
func (p *Planner) Plan(ctx context.Context, campaignID string, goals []string) ([]*types.Task, error) {
	now := time.Now().UTC()
	var tasks []*types.Task
	for _, goal := range goals {
		for _, spec := range Decompose(goal) {
			tasks = append(tasks, &types.Task{
				ID:         uuid.NewString(),
				TenantID:   p.keys.TenantID(),
				CampaignID: campaignID,
				Type:       spec.Type,
				Priority:   spec.Priority,
				Goal:       spec.Goal,
				Context:    map[string]string{"topic": goal},
				State:      types.TaskStatePending,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	if err := p.enqueueBatch(ctx, tasks); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		metrics.TasksEnqueued.WithLabelValues(t.TenantID, string(t.Type)).Inc()
		if p.broker != nil {
			p.broker.Emit(events.EventTaskEnqueued, t.TenantID, t.ID, string(t.Type))
		}
	}
	p.logger.Info().
		Str("campaign_id", campaignID).
		Int("goals", len(goals)).
		Int("tasks", len(tasks)).
		Msg("planned goals")
	return tasks, nil
}

func (p *Planner) enqueueBatch(ctx context.Context, tasks []*types.Task) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := p.store.Update(func(tx store.Txn) error {
			for _, t := range tasks {
				payload, err := json.Marshal(t)
				if err != nil {
					return err
				}
				if err := tx.Put(p.keys.Task(t.ID), payload, 0); err != nil {
					return err
				}
				if err := tx.Enqueue(p.keys.TaskQueue(), payload, t.Priority); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		lastErr = err
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("enqueue failed, backing off")
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// PlanCampaign reads the campaign record and plans its goals.
func (p *Planner) PlanCampaign(ctx context.Context, campaignID string) ([]*types.Task, error) {
	raw, _, err := p.store.Get(p.keys.Campaign(campaignID))
	if err != nil {
		return nil, fmt.Errorf("read campaign %s: %w", campaignID, err)
	}
	var cs types.CampaignState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", campaignID, err)
	}
	return p.Plan(ctx, campaignID, cs.Goals)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
