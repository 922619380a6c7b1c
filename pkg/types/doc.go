/*
Package types defines the shared entities of the Drover orchestration fabric.

Every entity carries a tenant ID and is persisted in the Store as a JSON
envelope; the in-memory copies held by components are caches, and on any
conflict the Store wins.

# Core Entities

Task: a unit of scheduled work, tagged by TaskType and Priority. Its state
machine is forward-only with two sanctioned back-edges:

	pending -> in_progress -> review -> committed
	                 |            |
	                 |            +--> escalated --> pending   (operator retry)
	                 +--> pending                              (lease expiry)
	                              +--> failed

TaskResult: the output of one worker attempt. There is at most one result
per (task_id, attempt), and Attempt strictly increases on each dispatch.

JudgeDecision: the verdict attached to a reviewed result. Exactly one
non-escalate decision lands per task lifecycle; escalate/re-review cycles
may repeat.

CampaignState: per-campaign shared state guarded by a monotonic Version.
All mutations go through compare-and-swap on that version.

HITLItem: a task parked for a human operator, with the verdict vocabulary
the operator surface accepts.

BudgetEntry: per (tenant, agent, UTC day) spend, expired by the Store at
the next UTC midnight.
*/
package types
