// Package loadbalancer implements upstream selection with failover: it picks
// a live upstream through a strategy, dials it, and marks upstreams dead when
// they refuse connections.
package loadbalancer
