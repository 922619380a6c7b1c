/*
Package tool defines the uniform tool-invocation boundary between the
orchestrator core and external collaborators.

The core consumes every external capability through the Invoker interface:

	invoke(tool_name, arguments) -> structured_result | error

It neither knows nor cares whether the tool runs in-process (Registry),
in a subprocess (StdioClient, JSON-RPC 2.0 over stdin/stdout), or behind
the network. Tools advertise input and output schemas and both sides are
validated on every call; a type mismatch surfaces as ErrSchemaViolation,
which the pipeline converts into an error result and escalates instead of
retrying.

Resources are read-only external data sources addressed by URI; the
perception loop is their consumer.
*/
package tool
