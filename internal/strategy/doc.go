// Package strategy defines how the upstream selector chooses among live
// upstreams:
//
//   - Random: uniform choice over the live set (default)
//   - Round Robin: sequential rotation over the live set
//
// Strategies are handed a snapshot of live addresses and never see dead ones.
package strategy
