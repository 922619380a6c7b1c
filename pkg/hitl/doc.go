// Package hitl is the human-in-the-loop gate: escalated items park here
// until an operator approves them (through the judge's commit path),
// requeues them, or drops them.
package hitl
