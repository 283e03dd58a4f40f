// Package relay distributes live Albion Online game data to dashboard
// clients with low latency.
//
// # Architecture
//
// The engine wires a small pipeline: a transport connector pulls events
// from an upstream feed, a batch processor groups them by kind, and a
// subscriber registry fans each batch out to in-process subscribers and
// connected WebSocket clients.
//
//	┌─────────────────────────────────────┐
//	│         Transport Connector         │  NATS primary with an
//	│   (connect, reconnect, fallback)    │  SSE push fallback
//	└─────────────────────────────────────┘
//	           ↓ delivers raw events
//	┌─────────────────────────────────────┐
//	│          Batch Processor            │  Size and linger
//	│     (group by kind, dispatch)       │  triggered flushes
//	└─────────────────────────────────────┘
//	           ↓ publishes batches
//	┌─────────────────────────────────────┐
//	│   Subscribers, Cache, Gateway       │  Topic fan-out, TTL
//	│  (callbacks, TTL store, WebSocket)  │  store, browser push
//	└─────────────────────────────────────┘
//
// Alongside the pipeline, a pattern predictor watches access sequences
// and prefetches associated data through the Albion Online Data Project
// HTTP API before it is requested.
//
// Entry points: engine.New builds the facade, cmd/relay runs it as a
// service with Prometheus metrics and a health endpoint.
package relay
