// Package engine is the worker-side execution core. It runs apply and
// execute requests one at a time against a persistent namespace, reports
// structured replies with per-request metadata, publishes side-channel
// notifications, and serves abort/clear control requests on a path that is
// never queued behind execution.
package engine
