// Package natsclient wraps the NATS connection that backs two of the three
// leaf adapters: the ordered event log (JetStream streams read through
// durable consumer groups) and the fast cache (JetStream KV buckets with a
// bucket-level TTL).
//
// # Connection Lifecycle
//
// A Client is constructed with functional options, connected once at startup,
// and closed with a drain on shutdown. Reconnection after transient drops is
// delegated to the NATS client library via the configured reconnect options;
// Status() exposes the connection state for health reporting.
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithClientName("relay"),
//	    natsclient.WithReconnectWait(2*time.Second))
//	if err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(ctx)
//
// # Event Log
//
// NewStreamGroup registers one durable consumer per subject under a shared
// group name. Registration is idempotent - an existing group is reused
// silently. Fetch performs a bounded blocking read; entries stay pending
// until Ack, so a crash before acknowledgement results in redelivery
// (at-least-once).
//
// # Fast Cache
//
// EnsureBucket creates or opens a KV bucket whose entries expire at the
// bucket TTL. KVStore exposes Get/Put/Delete with miss signalling separated
// from backend failure, which the session manager's two-tier cache relies on.
package natsclient
