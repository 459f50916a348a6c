// Package state holds the single piece of mutable state the proxy shares
// between goroutines: the ordered upstream list with liveness bits, the
// health-check settings, and the per-client-IP rate-limit counters.
package state
