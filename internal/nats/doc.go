// Package nats republishes event bus traffic onto NATS and can run an
// embedded NATS server.
//
// # Architecture
//
//   - Server: optional embedded NATS server (nats.embedded = true)
//   - Forwarder: registers bus patterns (nats.forward) and publishes every
//     matching event to NATS
//
// # Subjects
//
// Events keep their dot-delimited name below the configured prefix:
//
//	observer.events.my.activity   # bus event "my.activity"
//	observer.events.ready.ok      # bus event "ready.ok"
//
// Messaging is fire-and-forget (core NATS, no JetStream). While the NATS
// connection is down the client buffers up to its reconnect limit.
//
// # Debugging with nats CLI
//
//	nats sub "observer.events.>" -s nats://localhost:4222
//
// Message body:
//
//	{
//	  "event": "my.activity",
//	  "payload": {"user": "ada"},
//	  "timestamp": "2025-01-27T10:30:00Z"
//	}
package nats
