package perception

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/textscan"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
)

const (
	// Back-pressure against the task queue, same discipline the workers
	// apply against review.
	taskHighWater     = 1000
	backPressureBase  = 200 * time.Millisecond
	backPressureLimit = 2 * time.Second
)

// Options tunes one perception loop.
type Options struct {
	CampaignID   string
	PollInterval time.Duration
	Threshold    float64
	DedupTTL     time.Duration
	ResourceURIs []string
	Goals        []string
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.Threshold <= 0 {
		o.Threshold = 0.75
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 24 * time.Hour
	}
}

// Poller watches external resources and turns relevant content into
// analysis tasks. One poller runs per (tenant, campaign); concurrent
// pollers share the dedup set through the store, so the idempotence
// guarantee holds across instances.
type Poller struct {
	store  store.Store
	keys   keyspace.Keyspace
	reader tool.ResourceReader
	broker *events.Broker
	opts   Options
	logger zerolog.Logger
}

func New(s store.Store, tenantID string, reader tool.ResourceReader, broker *events.Broker, opts Options) *Poller {
	opts.setDefaults()
	keys := keyspace.For(tenantID)
	return &Poller{
		store:  s,
		keys:   keys,
		reader: reader,
		broker: broker,
		opts:   opts,
		logger: log.WithComponent("perception").With().
			Str("tenant_id", keys.TenantID()).
			Str("campaign_id", opts.CampaignID).
			Logger(),
	}
}

// Match is one content item that cleared the relevance threshold.
type Match struct {
	Content  string
	Goal     string
	Score    float64
	Priority types.Priority
}

// Score computes the relevance of content against one goal: the fraction
// of the goal's tokens present in the content.
func Score(content, goal string) float64 {
	return textscan.Overlap(textscan.Tokenize(goal), textscan.Tokenize(content))
}

// BestGoal finds the goal with the highest score for content. Ties break
// lexicographically on the goal text so scoring is stable across runs.
func BestGoal(content string, goals []string) (string, float64) {
	sorted := append([]string(nil), goals...)
	sort.Strings(sorted)
	best, bestScore := "", 0.0
	for _, g := range sorted {
		if s := Score(content, g); s > bestScore {
			best, bestScore = g, s
		}
	}
	return best, bestScore
}

// SplitItems breaks a resource body into discrete content items, one per
// non-blank line.
func SplitItems(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

// Run polls every configured resource each interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Int("resources", len(p.opts.ResourceURIs)).
		Float64("threshold", p.opts.Threshold).
		Msg("perception started")

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	pause := backPressureBase

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("perception stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if depth, err := p.store.Depth(p.keys.TaskQueue()); err == nil && depth >= taskHighWater {
			p.logger.Warn().Int("task_depth", depth).Dur("pause", pause).Msg("task queue at high water, pausing")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
			pause *= 2
			if pause > backPressureLimit {
				pause = backPressureLimit
			}
			continue
		}
		pause = backPressureBase

		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("poll tick failed")
		}
	}
}

// Tick performs one full poll: read every resource, score every item, and
// enqueue a task per fresh match.
func (p *Poller) Tick(ctx context.Context) error {
	goals := p.goals()
	for _, uri := range p.opts.ResourceURIs {
		body, err := p.reader.ReadResource(ctx, uri)
		if err != nil {
			p.logger.Warn().Err(err).Str("uri", uri).Msg("resource read failed")
			continue
		}
		for _, content := range SplitItems(body) {
			match, ok := p.evaluate(content, goals)
			if !ok {
				continue
			}
			if err := p.emit(match); err != nil {
				return err
			}
		}
	}
	return nil
}

// goals returns the goal list to score against. The campaign record wins
// when it exists so operator-injected goals take effect on the next tick;
// the static option list is the fallback for campaigns not yet persisted.
func (p *Poller) goals() []string {
	raw, _, err := p.store.Get(p.keys.Campaign(p.opts.CampaignID))
	if err != nil {
		return p.opts.Goals
	}
	var cs types.CampaignState
	if err := json.Unmarshal(raw, &cs); err != nil || len(cs.Goals) == 0 {
		return p.opts.Goals
	}
	return cs.Goals
}

// evaluate scores one content item against the goal list.
func (p *Poller) evaluate(content string, goals []string) (*Match, bool) {
	goal, best := BestGoal(content, goals)
	if best < p.opts.Threshold {
		return nil, false
	}
	priority := types.PriorityMedium
	if best >= 0.9 {
		priority = types.PriorityHigh
	}
	return &Match{Content: content, Goal: goal, Score: best, Priority: priority}, true
}

// emit enqueues a task for the match unless its dedup hash is already
// present. The hash claim and the enqueue happen in one transaction, so two
// pollers racing on the same content produce exactly one task.
func (p *Poller) emit(match *Match) error {
	hash := DedupHash(p.keys.TenantID(), p.opts.CampaignID, match.Content)
	seenKey := p.keys.Seen(hash)

	now := time.Now().UTC()
	task := &types.Task{
		ID:         uuid.NewString(),
		TenantID:   p.keys.TenantID(),
		CampaignID: p.opts.CampaignID,
		Type:       types.TaskTypeAnalyzeTrends,
		Priority:   match.Priority,
		Goal:       "Analyze trends for: " + match.Goal,
		Context: map[string]string{
			"topic":   match.Goal,
			"content": match.Content,
			"score":   fmt.Sprintf("%.3f", match.Score),
		},
		State:     types.TaskStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	deduped := false
	err = p.store.Update(func(tx store.Txn) error {
		if _, _, err := tx.Get(seenKey); err == nil {
			deduped = true
			return nil
		}
		if err := tx.Put(seenKey, []byte(now.Format(time.RFC3339)), p.opts.DedupTTL); err != nil {
			return err
		}
		if err := tx.Put(p.keys.Task(task.ID), payload, 0); err != nil {
			return err
		}
		return tx.Enqueue(p.keys.TaskQueue(), payload, task.Priority)
	})
	if err != nil {
		return err
	}
	if deduped {
		metrics.PerceptionDeduped.WithLabelValues(task.TenantID).Inc()
		return nil
	}

	metrics.PerceptionMatches.WithLabelValues(task.TenantID).Inc()
	metrics.TasksEnqueued.WithLabelValues(task.TenantID, string(task.Type)).Inc()
	if p.broker != nil {
		p.broker.Emit(events.EventPerceptionMatch, task.TenantID, task.ID, match.Goal)
		p.broker.Emit(events.EventTaskEnqueued, task.TenantID, task.ID, string(task.Type))
	}
	p.logger.Debug().Str("goal", match.Goal).Float64("score", match.Score).Msg("relevant content enqueued")
	return nil
}

// DedupHash folds (tenant, campaign, content) into the seen-set key.
func DedupHash(tenantID, campaignID, content string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + campaignID + "\x00" + content))
	return hex.EncodeToString(sum[:16])
}
