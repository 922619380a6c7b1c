package keyspace

import (
	"fmt"
	"strings"
)

// DefaultTenantID is used when callers pass an empty tenant.
const DefaultTenantID = "default"

// Tenant manifests are the one exception to tenant scoping: the fleet
// reads them at boot to learn which tenants to run, before any tenant
// keyspace exists.
const tenantManifestPrefix = "fleet:tenant:"

// TenantManifest is the key a tenant's registration record lives under.
func TenantManifest(tenantID string) string {
	return tenantManifestPrefix + tenantID
}

// TenantManifestPrefix covers all tenant registration records.
func TenantManifestPrefix() string {
	return tenantManifestPrefix
}

// Keyspace generates tenant-scoped Store keys. No code outside this package
// may construct a Store key by hand; every durable key the system touches
// comes from one of these methods, which is what makes tenant isolation a
// property of the resolver rather than a convention.
//
// Convention: tenant:<tenant_id>:<namespace>[:<id>...]
type Keyspace struct {
	tenantID string
}

// For returns the resolver for a tenant. Empty or blank IDs collapse to
// DefaultTenantID.
func For(tenantID string) Keyspace {
	tid := strings.TrimSpace(tenantID)
	if tid == "" {
		tid = DefaultTenantID
	}
	return Keyspace{tenantID: tid}
}

// TenantID returns the normalized tenant this resolver is bound to.
func (k Keyspace) TenantID() string {
	return k.tenantID
}

// Prefix returns the key prefix shared by every key of this tenant.
func (k Keyspace) Prefix() string {
	return "tenant:" + k.tenantID + ":"
}

// Owns reports whether key belongs to this tenant's keyspace.
func (k Keyspace) Owns(key string) bool {
	return strings.HasPrefix(key, k.Prefix())
}

// Queues

func (k Keyspace) TaskQueue() string {
	return k.Prefix() + "queue:task"
}

func (k Keyspace) ReviewQueue() string {
	return k.Prefix() + "queue:review"
}

func (k Keyspace) HITLQueue() string {
	return k.Prefix() + "queue:hitl"
}

// State

func (k Keyspace) Campaign(campaignID string) string {
	return fmt.Sprintf("%scampaign:%s", k.Prefix(), campaignID)
}

func (k Keyspace) CampaignPrefix() string {
	return k.Prefix() + "campaign:"
}

func (k Keyspace) Task(taskID string) string {
	return fmt.Sprintf("%stask:%s", k.Prefix(), taskID)
}

func (k Keyspace) TaskPrefix() string {
	return k.Prefix() + "task:"
}

func (k Keyspace) Output(taskID string) string {
	return fmt.Sprintf("%soutput:%s", k.Prefix(), taskID)
}

func (k Keyspace) Decision(taskID string) string {
	return fmt.Sprintf("%sdecision:%s", k.Prefix(), taskID)
}

func (k Keyspace) HITLItem(taskID string) string {
	return fmt.Sprintf("%shitl:%s", k.Prefix(), taskID)
}

func (k Keyspace) HITLPrefix() string {
	return k.Prefix() + "hitl:"
}

// Budget and dedup

func (k Keyspace) Budget(agentID, day string) string {
	return fmt.Sprintf("%sbudget:%s:%s", k.Prefix(), agentID, day)
}

func (k Keyspace) BudgetPrefix(agentID string) string {
	return fmt.Sprintf("%sbudget:%s:", k.Prefix(), agentID)
}

// BudgetAllPrefix covers every agent's spend counters for the tenant.
func (k Keyspace) BudgetAllPrefix() string {
	return k.Prefix() + "budget:"
}

func (k Keyspace) Lease(taskID string) string {
	return fmt.Sprintf("%slease:%s", k.Prefix(), taskID)
}

func (k Keyspace) Seen(hash string) string {
	return fmt.Sprintf("%sseen:%s", k.Prefix(), hash)
}

// Secret returns the key an external-kv secret lives under. The secret
// namespace is tenant-scoped like everything else.
func (k Keyspace) Secret(prefix, name string) string {
	return fmt.Sprintf("%ssecret:%s%s", k.Prefix(), prefix, name)
}
