// Package engine wires the synchronization core together. It owns the kind
// registry, the lifecycle tables, the record store, the backend registry,
// the message dispatcher and the poller service, and exposes the submission
// façade used by the HTTP API: Submit, Cancel and the read paths.
//
// State changes travel as dispatch messages. Each registered kind has one
// handler that reloads the record, runs the kind's workflow once and
// republishes whatever the workflow emitted, so a freshly submitted run is
// walked through its bookkeeping transitions without waiting for a poll
// tick. Pollers sweep every non-terminal record on their interval and catch
// up on anything the message chain missed.
package engine
