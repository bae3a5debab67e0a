// Package broadcast bridges the event log to WebSocket clients.
//
// A single consumer-group read loop fetches entries in bounded batches,
// normalizes them into typed envelopes, fans them out to subscribed clients,
// and acknowledges each entry after the broadcast attempt. Clients talk back
// over the same socket: ping, subscribe, unsubscribe, synchronous resource
// requests served from the durable store, and action commands republished to
// a requests stream for downstream workers.
//
// Every client owns a bounded send buffer drained by its own writer
// goroutine. A full buffer drops the message for that client only, so one
// slow reader never stalls the read loop or delivery to anyone else.
package broadcast
