// Package conversation provides the conversation orchestrator.
//
// # Overview
//
// Platform adapters hand the Service one normalized Inbound per delivered
// event and get exactly one Outbound back:
//
//	svc := conversation.New(sessions, completer, catalogClient, cfg, logger)
//	out := svc.Handle(ctx, &conversation.Inbound{Key: key, Text: "/search space"})
//
// # Event Handling
//
// Handle runs the whole event inside one session.Store.Mutate call:
//
//  1. Interpret the text (or native command token) as a command.Command
//  2. Apply it to a working copy of the session
//  3. Call the catalog or completion client when the command needs one
//  4. Commit the copy only when the command succeeded
//
// Events for one conversation key are therefore handled to completion in
// arrival order, while different keys run in parallel.
//
// Plain chat messages are retried against the completion client according to
// the RetryPolicy. The user turn and the assistant reply are committed
// together, so a failed or cancelled completion never leaves an unanswered
// user turn in the history. Catalog failures are not retried.
//
// An Inbound of type EventEnd skips command interpretation and deletes the
// session for its key through session.Store.Delete, after any event already
// running for that key has finished. The dispatch is recorded as command "end".
//
// # Maintenance
//
// Start runs a ticker that evicts sessions idle longer than IdleTTL; Stop
// ends it. Sweep runs a single pass.
//
// # Dispatch Ledger
//
// With SetRecorder, one store.Dispatch is written per handled event. Only
// metadata is recorded: platform, key, command, outcome, attempts, latency.
// SetBroadcaster additionally fans the same dispatches out to live
// subscribers.
package conversation
