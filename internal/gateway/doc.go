// Package gateway wires the flowgpt-gateway server components together.
//
// # Overview
//
// The Gateway owns the session store, the conversation service, the
// dispatch ledger and broadcaster, the event dedupe cache, and the HTTP and
// gRPC servers. Platform adapters (Telegram, Discord, Slack, LINE bridges)
// post normalized events to the HTTP API and relay the outbound reply.
//
// # HTTP API
//
//	GET  /health                   Liveness probe (always 200)
//	GET  /health/ready             Readiness probe (503 until Run starts)
//	POST /api/events               Dispatch one inbound event
//	GET  /api/stats                Session, replay and ledger counters
//	GET  /api/dispatches           List ledger entries (key, platform, limit)
//	GET  /api/dispatches/{id}      Fetch one ledger entry
//	GET  /api/dispatches/stream    Server-sent events for new dispatches
//
// When auth.jwt_secret is set, every /api/ route requires a bearer token
// issued by "flowgpt-gateway token". Tokens may be restricted to a set of
// platforms.
//
// An event with "type": "end" drops the conversation's session instead of
// being interpreted as a message; adapters send it when the bot is removed
// from a chat or a user unfollows.
//
// Mention tokens such as <@U123> are stripped from Slack and Discord text.
// A Slack event whose command is "flowgpt" carries the subcommand in its text
// ("search space", "chat hello") and is unwrapped before dispatch.
//
// # Replay
//
// Events that carry an event_id are deduplicated per platform. A retried
// delivery returns the cached reply with "replayed": true and does not reach
// the completion backend again. The replayed reply follows the redelivery's
// own format, so an "html" retry of a text delivery still gets HTML.
// Concurrent deliveries of the same event share a single dispatch.
//
// # gRPC
//
// server.grpc_addr exposes the standard grpc.health.v1 service. It reports
// NOT_SERVING until Run starts and again once shutdown begins.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead of on TCP addresses. https and funnel select the
// HTTP listener.
//
// # Shutdown
//
// Shutdown marks the gateway unready, closes dispatch streams, drains the
// HTTP and gRPC servers, stops eviction and pruning, then closes the ledger.
// It is safe to call more than once.
package gateway
