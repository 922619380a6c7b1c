// Package skill maps task types to deterministic handlers. A skill is the
// only code that touches external collaborators, and it does so exclusively
// through the tool boundary: an Invoker for calls, a ResourceReader for
// reads, and a secret Provider for credentials. The worker dispatches a
// leased task through the Table and wraps the Outcome into a TaskResult;
// it never learns which tool a skill spoke to.
//
// The builtin tool set registered by RegisterBuiltins keeps a fleet fully
// functional in-process. Production deployments swap individual names for
// subprocess-backed tools without touching any skill.
package skill
