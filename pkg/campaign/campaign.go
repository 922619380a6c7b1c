package campaign

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrNotFound is returned when a campaign does not exist.
var ErrNotFound = errors.New("campaign: not found")

// Manager mediates all CampaignState access. Every mutation is a
// compare-and-swap against the version the writer read; there is no other
// write path and no locking.
type Manager struct {
	store store.Store
}

// NewManager creates a campaign manager over the store.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Create persists a new campaign. Fails if it already exists.
func (m *Manager) Create(cs *types.CampaignState) error {
	ks := keyspace.For(cs.TenantID)
	cs.Version = 0
	cs.UpdatedAt = time.Now()
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	if err := m.store.CompareAndSwap(ks.Campaign(cs.CampaignID), 0, data, 0); err != nil {
		return fmt.Errorf("create campaign %s: %w", cs.CampaignID, err)
	}
	cs.Version = 1
	return nil
}

// Get reads a campaign. The returned Version is the value a subsequent
// Swap must present.
func (m *Manager) Get(tenantID, campaignID string) (*types.CampaignState, error) {
	ks := keyspace.For(tenantID)
	data, version, err := m.store.Get(ks.Campaign(campaignID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, campaignID)
	}
	if err != nil {
		return nil, err
	}
	return decode(data, version)
}

// GetTx is Get inside an open transaction.
func (m *Manager) GetTx(tx store.Txn, tenantID, campaignID string) (*types.CampaignState, error) {
	ks := keyspace.For(tenantID)
	data, version, err := tx.Get(ks.Campaign(campaignID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, campaignID)
	}
	if err != nil {
		return nil, err
	}
	return decode(data, version)
}

func decode(data []byte, version uint64) (*types.CampaignState, error) {
	var cs types.CampaignState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("corrupt campaign state: %w", err)
	}
	cs.Version = version
	return &cs, nil
}

// Swap writes cs back conditionally on cs.Version. On success the in-memory
// Version is advanced to the committed one; on conflict the caller must
// re-read and retry.
func (m *Manager) Swap(cs *types.CampaignState) error {
	ks := keyspace.For(cs.TenantID)
	read := cs.Version
	cs.UpdatedAt = time.Now()
	cs.Version = read + 1
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	if err := m.store.CompareAndSwap(ks.Campaign(cs.CampaignID), read, data, 0); err != nil {
		cs.Version = read
		return err
	}
	return nil
}

// SwapTx is Swap inside an open transaction; the judge uses it so the
// version bump commits or aborts together with the output and task-state
// writes.
func (m *Manager) SwapTx(tx store.Txn, cs *types.CampaignState) error {
	ks := keyspace.For(cs.TenantID)
	read := cs.Version
	cs.UpdatedAt = time.Now()
	cs.Version = read + 1
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	if err := tx.CompareAndSwap(ks.Campaign(cs.CampaignID), read, data, 0); err != nil {
		cs.Version = read
		return err
	}
	return nil
}

// List returns every campaign of a tenant.
func (m *Manager) List(tenantID string) ([]*types.CampaignState, error) {
	ks := keyspace.For(tenantID)
	rows, err := m.store.List(ks.CampaignPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*types.CampaignState, 0, len(rows))
	for _, data := range rows {
		var cs types.CampaignState
		if err := json.Unmarshal(data, &cs); err != nil {
			return nil, fmt.Errorf("corrupt campaign state: %w", err)
		}
		out = append(out, &cs)
	}
	return out, nil
}

// AppendGoals adds goals to a campaign under OCC, retrying up to maxRetries
// times on conflict. Used by the operator goal-injection endpoint.
func (m *Manager) AppendGoals(tenantID, campaignID string, goals []string, maxRetries int) (*types.CampaignState, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		cs, err := m.Get(tenantID, campaignID)
		if err != nil {
			return nil, err
		}
		cs.Goals = append(cs.Goals, goals...)
		if err := m.Swap(cs); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return cs, nil
	}
	return nil, fmt.Errorf("append goals to %s: %w", campaignID, lastErr)
}
