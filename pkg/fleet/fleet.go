package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/budget"
	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/hitl"
	"github.com/droverlabs/drover/pkg/judge"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/perception"
	"github.com/droverlabs/drover/pkg/planner"
	"github.com/droverlabs/drover/pkg/secrets"
	"github.com/droverlabs/drover/pkg/skill"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
	"github.com/droverlabs/drover/pkg/worker"
)

// Component lifecycle states reported through FleetSummary.
const (
	StateRunning = "running"
	StateStopped = "stopped"
)

// Fleet supervises one Runtime per registered tenant and implements the
// api.Backend operator surface. All tenants share one Store and one event
// broker; everything else is per-tenant.
type Fleet struct {
	cfg    *config.Config
	store  store.Store
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.RWMutex
	tenants map[string]*Runtime
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Runtime is the component set serving one tenant.
type Runtime struct {
	tenant     *types.Tenant
	view       config.TenantView
	keys       keyspace.Keyspace
	campaigns  *campaign.Manager
	ledger     *budget.Ledger
	registry   *tool.Registry
	planner    *planner.Planner
	workers    []*worker.Worker
	judge      *judge.Judge
	gate       *hitl.Gate
	pollers    []*perception.Poller
	toolServer *tool.StdioClient

	mu     sync.Mutex
	states map[string]string
}

func (rt *Runtime) setState(component, state string) {
	rt.mu.Lock()
	rt.states[component] = state
	rt.mu.Unlock()
}

// Components returns a snapshot of component lifecycle states.
func (rt *Runtime) Components() map[string]string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]string, len(rt.states))
	for k, v := range rt.states {
		out[k] = v
	}
	return out
}

// New creates an empty fleet. Tenants are added through Register or
// LoadTenants before (or after) Start.
func New(cfg *config.Config, s store.Store, broker *events.Broker) *Fleet {
	return &Fleet{
		cfg:     cfg,
		store:   s,
		broker:  broker,
		logger:  log.WithComponent("fleet"),
		tenants: make(map[string]*Runtime),
	}
}

// Register builds the runtime for a tenant. If the fleet is already
// running, the new runtime is launched immediately.
func (f *Fleet) Register(tenant *types.Tenant) (*Runtime, error) {
	keys := keyspace.For(tenant.ID)
	id := keys.TenantID()

	f.mu.Lock()
	if _, dup := f.tenants[id]; dup {
		f.mu.Unlock()
		return nil, fmt.Errorf("fleet: tenant %s already registered", id)
	}
	f.mu.Unlock()

	provider, err := secrets.NewFromConfig(f.cfg, f.store, id)
	if err != nil {
		return nil, fmt.Errorf("fleet: secrets for tenant %s: %w", id, err)
	}

	registry := tool.NewRegistry()
	skill.RegisterBuiltins(registry)

	view := f.cfg.ForTenant(overridesFor(tenant))
	env := &skill.Env{Invoker: registry, Resources: registry, Secrets: provider}
	table := skill.NewTable()
	ledger := budget.NewLedger(f.store, f.cfg.MaxDailySpendUSDC, f.cfg.MaxPerTxUSDC)
	campaigns := campaign.NewManager(f.store)

	rt := &Runtime{
		tenant:    tenant,
		view:      view,
		keys:      keys,
		campaigns: campaigns,
		ledger:    ledger,
		registry:  registry,
		planner:   planner.New(f.store, id, f.broker),
		states:    make(map[string]string),
	}

	if cmd := view.ToolServer; len(cmd) > 0 {
		client, err := tool.NewStdioClient(context.Background(), cmd[0], cmd[1:]...)
		if err != nil {
			return nil, fmt.Errorf("fleet: tool server for tenant %s: %w", id, err)
		}
		names, err := tool.RegisterExternal(context.Background(), registry, client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("fleet: tool server for tenant %s: %w", id, err)
		}
		rt.toolServer = client
		f.logger.Info().Str("tenant_id", id).Strs("tools", names).Msg("external tool server attached")
	}

	rt.judge = judge.New(f.store, id, campaigns, ledger, f.broker, judge.Options{
		Lease:            view.JudgeLease,
		HighConfidence:   f.cfg.HighConfidence,
		MediumConfidence: f.cfg.MediumConfidence,
		SensitiveTopics:  view.SensitiveTopics,
	})
	rt.gate = hitl.NewGate(f.store, id, rt.judge, f.broker)

	for i := 0; i < view.Workers; i++ {
		rt.workers = append(rt.workers, worker.New(f.store, id, table, env, ledger, f.broker, worker.Options{
			Lease:       view.WorkerLease,
			MaxAttempts: f.cfg.MaxAttempts,
		}))
	}

	if uris := resourceURIs(tenant); len(uris) > 0 {
		registerFileResources(registry, uris)
		registerExternalResources(registry, rt.toolServer, uris)
		existing, err := campaigns.List(id)
		if err != nil {
			if rt.toolServer != nil {
				_ = rt.toolServer.Close()
			}
			return nil, fmt.Errorf("fleet: list campaigns for tenant %s: %w", id, err)
		}
		for _, cs := range existing {
			rt.pollers = append(rt.pollers, perception.New(f.store, id, registry, f.broker, perception.Options{
				CampaignID:   cs.CampaignID,
				PollInterval: view.PerceptionPoll,
				Threshold:    view.PerceptionThreshold,
				DedupTTL:     f.cfg.DedupTTL,
				ResourceURIs: uris,
				Goals:        cs.Goals,
			}))
		}
	}

	f.mu.Lock()
	if _, dup := f.tenants[id]; dup {
		f.mu.Unlock()
		if rt.toolServer != nil {
			_ = rt.toolServer.Close()
		}
		return nil, fmt.Errorf("fleet: tenant %s already registered", id)
	}
	f.tenants[id] = rt
	runCtx := f.runCtx
	f.mu.Unlock()

	f.logger.Info().
		Str("tenant_id", id).
		Int("workers", len(rt.workers)).
		Int("pollers", len(rt.pollers)).
		Msg("tenant registered")

	if runCtx != nil && runCtx.Err() == nil {
		if err := f.launch(runCtx, rt); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// LoadTenants registers every tenant manifest found in the store. Returns
// the number of tenants registered.
func (f *Fleet) LoadTenants() (int, error) {
	rows, err := f.store.List(keyspace.TenantManifestPrefix())
	if err != nil {
		return 0, fmt.Errorf("fleet: list tenant manifests: %w", err)
	}
	n := 0
	for key, raw := range rows {
		var t types.Tenant
		if err := json.Unmarshal(raw, &t); err != nil {
			f.logger.Error().Err(err).Str("key", key).Msg("skipping undecodable tenant manifest")
			continue
		}
		if _, err := f.Register(&t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SaveManifest persists a tenant registration record. The apply command
// writes these; LoadTenants reads them back at boot.
func SaveManifest(s store.Store, t *types.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.Put(keyspace.TenantManifest(keyspace.For(t.ID).TenantID()), raw, 0)
}

// Start recovers in-flight commits and launches every registered runtime.
// It returns once all component loops are running; Stop (or ctx
// cancellation) winds them down.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.runCtx != nil {
		f.mu.Unlock()
		return errors.New("fleet: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	f.runCtx = runCtx
	f.cancel = cancel
	f.group = group
	runtimes := make([]*Runtime, 0, len(f.tenants))
	for _, rt := range f.tenants {
		runtimes = append(runtimes, rt)
	}
	f.mu.Unlock()

	for _, rt := range runtimes {
		if err := f.launch(runCtx, rt); err != nil {
			cancel()
			return err
		}
	}
	f.logger.Info().Int("tenants", len(runtimes)).Msg("fleet started")
	return nil
}

// launch recovers pending commits for one tenant and starts its loops.
func (f *Fleet) launch(ctx context.Context, rt *Runtime) error {
	if err := rt.judge.RecoverPending(ctx); err != nil {
		return fmt.Errorf("fleet: recover pending commits for tenant %s: %w", rt.tenant.ID, err)
	}
	for i, w := range rt.workers {
		f.supervise(ctx, rt, fmt.Sprintf("worker-%d", i), w.Run)
	}
	f.supervise(ctx, rt, "judge", rt.judge.Run)
	f.supervise(ctx, rt, "hitl_gate", rt.gate.Run)
	for i, p := range rt.pollers {
		f.supervise(ctx, rt, fmt.Sprintf("perception-%d", i), p.Run)
	}
	return nil
}

func (f *Fleet) supervise(ctx context.Context, rt *Runtime, name string, run func(context.Context) error) {
	rt.setState(name, StateRunning)
	f.group.Go(func() error {
		err := run(ctx)
		rt.setState(name, StateStopped)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error().Err(err).Str("tenant_id", rt.tenant.ID).Str("component", name).Msg("component failed")
			return err
		}
		return nil
	})
}

// Stop cancels every component and waits up to the shutdown grace for
// loops to drain. Workers nack held leases on the way out, so a slow
// shutdown only delays redelivery, never loses work.
func (f *Fleet) Stop() error {
	f.mu.RLock()
	cancel, group := f.cancel, f.group
	f.mu.RUnlock()
	if cancel == nil {
		f.closeToolServers()
		return nil
	}
	cancel()
	defer f.closeToolServers()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		f.logger.Info().Msg("fleet stopped")
		return nil
	case <-time.After(f.cfg.ShutdownGrace):
		return fmt.Errorf("fleet: components still draining after %s", f.cfg.ShutdownGrace)
	}
}

func (f *Fleet) closeToolServers() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, rt := range f.tenants {
		if rt.toolServer != nil {
			_ = rt.toolServer.Close()
		}
	}
}

// TenantIDs lists the registered tenants. The metrics collector polls this
// so new tenants show up without a restart.
func (f *Fleet) TenantIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.tenants))
	for id := range f.tenants {
		ids = append(ids, id)
	}
	return ids
}

// Runtime returns the runtime for a tenant, or nil if not registered.
func (f *Fleet) Runtime(tenantID string) *Runtime {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tenants[keyspace.For(tenantID).TenantID()]
}

func (f *Fleet) runtime(tenantID string) (*Runtime, error) {
	if rt := f.Runtime(tenantID); rt != nil {
		return rt, nil
	}
	return nil, fmt.Errorf("%w: %s", api.ErrUnknownTenant, tenantID)
}

// PendingHITL implements api.Backend.
func (f *Fleet) PendingHITL(tenantID string, limit, offset int) ([]*types.HITLItem, error) {
	rt, err := f.runtime(tenantID)
	if err != nil {
		return nil, err
	}
	return rt.gate.Pending(limit, offset)
}

// DecideHITL implements api.Backend.
func (f *Fleet) DecideHITL(ctx context.Context, tenantID, taskID string, verdict types.HITLVerdict, editedPayload map[string]interface{}, reason string) error {
	rt, err := f.runtime(tenantID)
	if err != nil {
		return err
	}
	return rt.gate.Decide(ctx, taskID, verdict, editedPayload, reason)
}

// Summary implements api.Backend: component states, queue depths, budget
// burn, and campaign snapshots for one tenant.
func (f *Fleet) Summary(ctx context.Context, tenantID string) (*types.FleetSummary, error) {
	rt, err := f.runtime(tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	depths := make(map[string]int, 3)
	for name, queue := range map[string]string{
		"task":   rt.keys.TaskQueue(),
		"review": rt.keys.ReviewQueue(),
		"hitl":   rt.keys.HITLQueue(),
	} {
		d, err := f.store.Depth(queue)
		if err != nil {
			return nil, err
		}
		depths[name] = d
	}

	burn, err := rt.ledger.Burn(rt.keys.TenantID(), now)
	if err != nil {
		return nil, err
	}
	camps, err := rt.campaigns.List(rt.keys.TenantID())
	if err != nil {
		return nil, err
	}

	return &types.FleetSummary{
		TenantID:    rt.keys.TenantID(),
		Components:  rt.Components(),
		QueueDepths: depths,
		BudgetBurn:  burn,
		Campaigns:   camps,
		GeneratedAt: now,
	}, nil
}

// InjectGoals implements api.Backend: append goals to the campaign under
// OCC, then plan and enqueue the resulting task chains.
func (f *Fleet) InjectGoals(ctx context.Context, tenantID, campaignID string, goals []string) ([]*types.Task, error) {
	rt, err := f.runtime(tenantID)
	if err != nil {
		return nil, err
	}
	if _, err := rt.campaigns.AppendGoals(rt.keys.TenantID(), campaignID, goals, f.cfg.OCCMaxRetries); err != nil {
		return nil, err
	}
	return rt.planner.Plan(ctx, campaignID, goals)
}

// overridesFor converts the wire-level override block into the config
// package's representation.
func overridesFor(t *types.Tenant) *config.TenantOverrides {
	if t.Overrides == nil {
		return nil
	}
	return &config.TenantOverrides{
		WorkerLeaseSec:      t.Overrides.WorkerLeaseSec,
		JudgeLeaseSec:       t.Overrides.JudgeLeaseSec,
		PerceptionPollSec:   t.Overrides.PerceptionPollSec,
		PerceptionThreshold: t.Overrides.PerceptionThreshold,
		SensitiveTopics:     t.Overrides.SensitiveTopics,
		Workers:             t.Overrides.Workers,
		ToolServer:          t.Overrides.ToolServer,
	}
}

func resourceURIs(t *types.Tenant) []string {
	if t.Overrides == nil {
		return nil
	}
	return t.Overrides.ResourceURIs
}

// registerExternalResources routes non-file resource URIs through the
// tenant's tool server, when it has one.
func registerExternalResources(registry *tool.Registry, client *tool.StdioClient, uris []string) {
	if client == nil {
		return
	}
	for _, uri := range uris {
		if strings.HasPrefix(uri, "file://") {
			continue
		}
		registry.RegisterResource(uri, func(ctx context.Context) (string, error) {
			return client.ReadResource(ctx, uri)
		})
	}
}

// registerFileResources wires file:// URIs from a tenant manifest into the
// registry so pollers can read them. Other schemes must be registered by
// the embedder before the fleet starts.
func registerFileResources(registry *tool.Registry, uris []string) {
	for _, uri := range uris {
		path, ok := strings.CutPrefix(uri, "file://")
		if !ok {
			continue
		}
		registry.RegisterResource(uri, func(ctx context.Context) (string, error) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		})
	}
}
