package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

var (
	// ErrPerTxCap means a single request exceeds the per-transaction cap.
	ErrPerTxCap = errors.New("budget: per-transaction cap exceeded")

	// ErrDailyCap means the request would push the agent over its daily cap.
	ErrDailyCap = errors.New("budget: daily spend cap exceeded")
)

// Ledger enforces per-agent daily spend limits. Spend rows live in the
// Store under tenant:{t}:budget:{agent}:{yyyy-mm-dd} and expire at the next
// UTC midnight, so a new day always starts from zero.
//
// Budgetary refusals are never retried; they are materialized as error
// TaskResults so the operator sees the refusal.
type Ledger struct {
	store    store.Store
	maxDaily float64
	maxPerTx float64
}

// NewLedger creates a ledger with the given caps.
func NewLedger(s store.Store, maxDailyUSDC, maxPerTxUSDC float64) *Ledger {
	return &Ledger{store: s, maxDaily: maxDailyUSDC, maxPerTx: maxPerTxUSDC}
}

// Day formats t as the UTC ledger day key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ttlUntilMidnight returns how long a row written at now should live.
func ttlUntilMidnight(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(utc)
}

// Check verifies the caps without recording anything. Workers call this
// before dispatching a commerce task; a failure becomes an error TaskResult
// with reason per_tx_cap or daily_cap.
func (l *Ledger) Check(tenantID, agentID string, amountUSDC float64, now time.Time) error {
	if amountUSDC > l.maxPerTx {
		return fmt.Errorf("%w: %.2f > %.2f", ErrPerTxCap, amountUSDC, l.maxPerTx)
	}
	spent, err := l.Spent(tenantID, agentID, Day(now))
	if err != nil {
		return err
	}
	if spent+amountUSDC > l.maxDaily {
		return fmt.Errorf("%w: %.2f spent, %.2f requested, cap %.2f", ErrDailyCap, spent, amountUSDC, l.maxDaily)
	}
	return nil
}

// RecordTx re-checks the caps and records the spend inside an open Store
// transaction. The judge calls this from the same transaction that bumps
// the campaign version, so the daily-cap invariant holds even when two
// commits race: the losing writer aborts with the transaction.
func (l *Ledger) RecordTx(tx store.Txn, tenantID, agentID string, amountUSDC float64, now time.Time) error {
	if amountUSDC <= 0 {
		return nil
	}
	if amountUSDC > l.maxPerTx {
		return fmt.Errorf("%w: %.2f > %.2f", ErrPerTxCap, amountUSDC, l.maxPerTx)
	}

	ks := keyspace.For(tenantID)
	day := Day(now)
	key := ks.Budget(agentID, day)

	entry := types.BudgetEntry{
		TenantID: tenantID,
		AgentID:  agentID,
		Day:      day,
	}
	if data, _, err := tx.Get(key); err == nil {
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("corrupt budget entry %s: %w", key, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if entry.SpentUSDC+amountUSDC > l.maxDaily {
		return fmt.Errorf("%w: %.2f spent, %.2f requested, cap %.2f", ErrDailyCap, entry.SpentUSDC, amountUSDC, l.maxDaily)
	}

	entry.SpentUSDC += amountUSDC
	entry.UpdatedAt = now
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return tx.Put(key, data, ttlUntilMidnight(now))
}

// Spent returns the recorded spend for one (agent, day); a missing row
// reads as zero.
func (l *Ledger) Spent(tenantID, agentID, day string) (float64, error) {
	ks := keyspace.For(tenantID)
	data, _, err := l.store.Get(ks.Budget(agentID, day))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var entry types.BudgetEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return 0, fmt.Errorf("corrupt budget entry: %w", err)
	}
	return entry.SpentUSDC, nil
}

// Burn returns today's spend per agent for one tenant, for the fleet
// summary.
func (l *Ledger) Burn(tenantID string, now time.Time) (map[string]float64, error) {
	ks := keyspace.For(tenantID)
	rows, err := l.store.List(ks.BudgetAllPrefix())
	if err != nil {
		return nil, err
	}
	day := Day(now)
	burn := make(map[string]float64)
	for key, data := range rows {
		if !strings.HasSuffix(key, ":"+day) {
			continue
		}
		var entry types.BudgetEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		burn[entry.AgentID] = entry.SpentUSDC
	}
	return burn, nil
}
