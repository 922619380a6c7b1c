package fleet

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxDailySpendUSDC:   50,
		MaxPerTxUSDC:        10,
		HighConfidence:      config.DefaultHighConfidence,
		MediumConfidence:    config.DefaultMediumConfidence,
		MaxAttempts:         3,
		WorkerLease:         2 * time.Second,
		JudgeLease:          2 * time.Second,
		OCCMaxRetries:       config.DefaultOCCMaxRetries,
		ReviewHighWater:     config.DefaultReviewHighWater,
		ShutdownGrace:       3 * time.Second,
		PerceptionPoll:      time.Second,
		PerceptionThreshold: 0.75,
		DedupTTL:            time.Hour,
		WorkersPerTenant:    1,
		SensitiveTopics:     append([]string(nil), config.DefaultSensitiveTopics...),
		SecretsProvider:     config.SecretsProviderEnv,
	}
}

func newTestFleet(t *testing.T, cfg *config.Config) (*Fleet, *store.BoltStore) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(cfg, s, nil), s
}

func seedCampaign(t *testing.T, s store.Store, tenantID, campaignID string, budget float64) {
	t.Helper()
	require.NoError(t, campaign.NewManager(s).Create(&types.CampaignState{
		CampaignID:      campaignID,
		TenantID:        tenantID,
		Goals:           []string{"baseline goal"},
		BudgetRemaining: budget,
	}))
}

func TestRegisterAndSummary(t *testing.T) {
	f, s := newTestFleet(t, testConfig())
	seedCampaign(t, s, "acme", "camp-1", 50)

	_, err := f.Register(&types.Tenant{ID: "acme", Name: "Acme"})
	require.NoError(t, err)

	sum, err := f.Summary(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", sum.TenantID)
	assert.Equal(t, map[string]int{"task": 0, "review": 0, "hitl": 0}, sum.QueueDepths)
	require.Len(t, sum.Campaigns, 1)
	assert.Equal(t, "camp-1", sum.Campaigns[0].CampaignID)
	assert.Empty(t, sum.BudgetBurn)
}

func TestUnknownTenantIsRejectedEverywhere(t *testing.T) {
	f, _ := newTestFleet(t, testConfig())
	ctx := context.Background()

	_, err := f.PendingHITL("ghost", 10, 0)
	assert.ErrorIs(t, err, api.ErrUnknownTenant)

	err = f.DecideHITL(ctx, "ghost", "task-1", types.VerdictApprove, nil, "")
	assert.ErrorIs(t, err, api.ErrUnknownTenant)

	_, err = f.Summary(ctx, "ghost")
	assert.ErrorIs(t, err, api.ErrUnknownTenant)

	_, err = f.InjectGoals(ctx, "ghost", "camp-1", []string{"anything"})
	assert.ErrorIs(t, err, api.ErrUnknownTenant)
}

func TestRegisterDuplicateTenant(t *testing.T) {
	f, _ := newTestFleet(t, testConfig())
	_, err := f.Register(&types.Tenant{ID: "acme"})
	require.NoError(t, err)
	_, err = f.Register(&types.Tenant{ID: "acme"})
	assert.Error(t, err)
}

func TestSaveManifestAndLoadTenants(t *testing.T) {
	f, s := newTestFleet(t, testConfig())

	require.NoError(t, SaveManifest(s, &types.Tenant{ID: "acme", Name: "Acme"}))
	require.NoError(t, SaveManifest(s, &types.Tenant{
		ID:        "globex",
		Overrides: &types.TenantOverrides{Workers: 3, SensitiveTopics: []string{"crypto"}},
	}))

	n, err := f.LoadTenants()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"acme", "globex"}, f.TenantIDs())

	// Overrides applied: base workers plus the extended topic vocabulary.
	rt := f.Runtime("globex")
	require.NotNil(t, rt)
	assert.Len(t, rt.workers, 3)
	assert.Contains(t, rt.view.SensitiveTopics, "crypto")
	assert.Contains(t, rt.view.SensitiveTopics, "politics")
}

func TestInjectGoalsPlansChain(t *testing.T) {
	f, s := newTestFleet(t, testConfig())
	seedCampaign(t, s, "acme", "camp-1", 50)
	_, err := f.Register(&types.Tenant{ID: "acme"})
	require.NoError(t, err)

	tasks, err := f.InjectGoals(context.Background(), "acme", "camp-1", []string{"buy slots around trending fitness content"})
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	keys := keyspace.For("acme")
	depth, err := s.Depth(keys.TaskQueue())
	require.NoError(t, err)
	assert.Equal(t, 4, depth)

	cs, err := campaign.NewManager(s).Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Contains(t, cs.Goals, "buy slots around trending fitness content")
	assert.Equal(t, uint64(2), cs.Version)
}

func TestInjectGoalsMissingCampaign(t *testing.T) {
	f, _ := newTestFleet(t, testConfig())
	_, err := f.Register(&types.Tenant{ID: "acme"})
	require.NoError(t, err)

	_, err = f.InjectGoals(context.Background(), "acme", "nope", []string{"goal"})
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

// With the approval bar below every built-in skill's confidence, a planned
// chain runs to committed without touching the HITL path.
func TestEndToEndAutoApprove(t *testing.T) {
	cfg := testConfig()
	cfg.HighConfidence = 0.45
	cfg.MediumConfidence = 0.40

	f, s := newTestFleet(t, cfg)
	s.Start()
	t.Cleanup(s.Stop)
	seedCampaign(t, s, "acme", "camp-1", 50)
	_, err := f.Register(&types.Tenant{ID: "acme"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))
	t.Cleanup(func() { _ = f.Stop() })

	tasks, err := f.InjectGoals(ctx, "acme", "camp-1", []string{"cover trending topics in renewable energy"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	keys := keyspace.For("acme")
	require.Eventually(t, func() bool {
		for _, task := range tasks {
			raw, _, err := s.Get(keys.Task(task.ID))
			if err != nil {
				return false
			}
			var got types.Task
			if json.Unmarshal(raw, &got) != nil || got.State != types.TaskStateCommitted {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "chain should commit without operator input")

	cs, err := campaign.NewManager(s).Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cs.Version) // create + goal append + three commits
	assert.Equal(t, 50.0, cs.BudgetRemaining)

	pending, err := f.PendingHITL("acme", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// Mid-band confidence escalates to the gate; an operator approval then
// commits through the same path as an auto-approval.
func TestEndToEndEscalateThenOperatorApprove(t *testing.T) {
	f, s := newTestFleet(t, testConfig())
	s.Start()
	t.Cleanup(s.Stop)
	seedCampaign(t, s, "acme", "camp-1", 50)
	_, err := f.Register(&types.Tenant{ID: "acme"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))
	t.Cleanup(func() { _ = f.Stop() })

	// No trend or commerce words: generate (0.8, escalates) + post (0.95, commits).
	tasks, err := f.InjectGoals(ctx, "acme", "camp-1", []string{"welcome new subscribers"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var escalated *types.HITLItem
	require.Eventually(t, func() bool {
		pending, err := f.PendingHITL("acme", 10, 0)
		if err != nil || len(pending) != 1 {
			return false
		}
		escalated = pending[0]
		return true
	}, 15*time.Second, 50*time.Millisecond, "mid-band result should park for review")

	require.NoError(t, f.DecideHITL(ctx, "acme", escalated.TaskID, types.VerdictApprove,
		map[string]interface{}{"content": "edited by operator"}, "looks fine"))

	keys := keyspace.For("acme")
	require.Eventually(t, func() bool {
		raw, _, err := s.Get(keys.Task(escalated.TaskID))
		if err != nil {
			return false
		}
		var got types.Task
		return json.Unmarshal(raw, &got) == nil && got.State == types.TaskStateCommitted
	}, 5*time.Second, 50*time.Millisecond)

	var output map[string]interface{}
	raw, _, err := s.Get(keys.Output(escalated.TaskID))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &output))
	assert.Equal(t, "edited by operator", output["content"])

	cs, err := campaign.NewManager(s).Get("acme", "camp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cs.Version) // create + goal append + two commits
}

func TestStopWindsDownComponents(t *testing.T) {
	f, _ := newTestFleet(t, testConfig())
	rt, err := f.Register(&types.Tenant{ID: "acme"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	require.Eventually(t, func() bool {
		states := rt.Components()
		return states["worker-0"] == StateRunning && states["judge"] == StateRunning && states["hitl_gate"] == StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Stop())
	for name, state := range rt.Components() {
		assert.Equal(t, StateStopped, state, name)
	}
}

func TestStartTwice(t *testing.T) {
	f, _ := newTestFleet(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))
	t.Cleanup(func() { _ = f.Stop() })
	assert.Error(t, f.Start(ctx))
}

// TestHelperProcess is not a real test. The tool-server tests re-execute
// the test binary with this entry point to get a subprocess speaking the
// stdio tool protocol.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for sc.Scan() {
		var req struct {
			ID     int64                  `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		textSchema := map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []string{"text"},
		}
		switch req.Method {
		case "initialize":
			resp["result"] = map[string]interface{}{}
		case "tools/list":
			resp["result"] = map[string]interface{}{"tools": []map[string]interface{}{{
				"name":         "shout",
				"description":  "uppercases its text argument",
				"inputSchema":  textSchema,
				"outputSchema": textSchema,
			}}}
		case "tools/call":
			args, _ := req.Params["arguments"].(map[string]interface{})
			text, _ := args["text"].(string)
			resp["result"] = map[string]interface{}{"text": strings.ToUpper(text)}
		case "resources/read":
			uri, _ := req.Params["uri"].(string)
			resp["result"] = map[string]interface{}{"contents": "served " + uri}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "unknown method"}
		}
		_ = enc.Encode(resp)
	}
	os.Exit(0)
}

func TestRegisterWithToolServer(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	f, _ := newTestFleet(t, testConfig())
	t.Cleanup(func() { _ = f.Stop() })

	rt, err := f.Register(&types.Tenant{ID: "acme", Overrides: &types.TenantOverrides{
		ToolServer:   []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		ResourceURIs: []string{"news://wire"},
	}})
	require.NoError(t, err)
	assert.Contains(t, rt.registry.Tools(), "shout")

	// invocations flow through the registry's schema gate to the subprocess
	out, err := rt.registry.Invoke(context.Background(), "shout", tool.Args{"text": "quiet"})
	require.NoError(t, err)
	assert.Equal(t, "QUIET", out["text"])
	_, err = rt.registry.Invoke(context.Background(), "shout", tool.Args{})
	assert.ErrorIs(t, err, tool.ErrSchemaViolation)

	// non-file resource URIs resolve through the same server
	content, err := rt.registry.ReadResource(context.Background(), "news://wire")
	require.NoError(t, err)
	assert.Equal(t, "served news://wire", content)
}
