package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/types"
)

type recordingBackend struct {
	items   []*types.HITLItem
	decided map[string]types.HITLVerdict
	planned int
}

func (b *recordingBackend) PendingHITL(tenantID string, limit, offset int) ([]*types.HITLItem, error) {
	if tenantID != "acme" {
		return nil, api.ErrUnknownTenant
	}
	return b.items, nil
}

func (b *recordingBackend) DecideHITL(_ context.Context, tenantID, taskID string, verdict types.HITLVerdict, _ map[string]interface{}, _ string) error {
	if tenantID != "acme" {
		return api.ErrUnknownTenant
	}
	if b.decided == nil {
		b.decided = map[string]types.HITLVerdict{}
	}
	b.decided[taskID] = verdict
	return nil
}

func (b *recordingBackend) Summary(_ context.Context, tenantID string) (*types.FleetSummary, error) {
	if tenantID != "acme" {
		return nil, api.ErrUnknownTenant
	}
	return &types.FleetSummary{
		TenantID:    tenantID,
		QueueDepths: map[string]int{"task": 3},
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (b *recordingBackend) InjectGoals(_ context.Context, tenantID, campaignID string, goals []string) ([]*types.Task, error) {
	if tenantID != "acme" {
		return nil, api.ErrUnknownTenant
	}
	tasks := make([]*types.Task, b.planned)
	for i := range tasks {
		tasks[i] = &types.Task{CampaignID: campaignID}
	}
	return tasks, nil
}

func newTestClient(t *testing.T, backend *recordingBackend) *Client {
	t.Helper()
	ts := httptest.NewServer(api.NewServer(backend).Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestHealthy(t *testing.T) {
	c := newTestClient(t, &recordingBackend{})
	assert.NoError(t, c.Healthy(context.Background()))
}

func TestPendingHITL(t *testing.T) {
	backend := &recordingBackend{items: []*types.HITLItem{
		{TaskID: "t1", TenantID: "acme", Reason: "confidence 0.75 in the human-review band"},
	}}
	c := newTestClient(t, backend)

	items, err := c.PendingHITL(context.Background(), "acme", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t1", items[0].TaskID)
}

func TestDecide(t *testing.T) {
	backend := &recordingBackend{}
	c := newTestClient(t, backend)

	err := c.Decide(context.Background(), "acme", "t1", types.VerdictApprove,
		map[string]interface{}{"content": "edited"}, "fine")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictApprove, backend.decided["t1"])
}

func TestSummary(t *testing.T) {
	c := newTestClient(t, &recordingBackend{})
	sum, err := c.Summary(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.QueueDepths["task"])
}

func TestInjectGoals(t *testing.T) {
	c := newTestClient(t, &recordingBackend{planned: 4})
	n, err := c.InjectGoals(context.Background(), "acme", "camp-1", []string{"buy slots around trending content"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestUnknownTenantSurfacesAPIError(t *testing.T) {
	c := newTestClient(t, &recordingBackend{})
	_, err := c.PendingHITL(context.Background(), "ghost", 10, 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}
