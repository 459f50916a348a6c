// Package healthcheck implements active health checking for upstream servers.
// On every interval it probes each upstream concurrently with a bounded
// timeout and updates the upstream's liveness in the shared proxy state.
package healthcheck
