package state

import (
	"errors"
	"sync"
	"time"
)

var ErrNoUpstreams = errors.New("at least one upstream is required")

// Upstream is a backend server and its last known liveness.
type Upstream struct {
	Address string `json:"address"`
	Alive   bool   `json:"alive"`
}

// Options configures a ProxyState.
type Options struct {
	Upstreams            []string
	HealthCheckInterval  time.Duration
	HealthCheckPath      string
	HealthCheckTimeout   time.Duration
	MaxRequestsPerMinute int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// ProxyState is the routing, health and rate-limit state shared by every
// connection handler and the health checker. All access goes through one
// mutex and no I/O happens while it is held.
type ProxyState struct {
	mutex     sync.Mutex
	upstreams []Upstream
	index     map[string]int
	rates     map[string]*RateEntry

	healthCheckInterval  time.Duration
	healthCheckPath      string
	healthCheckTimeout   time.Duration
	maxRequestsPerMinute int

	now func() time.Time
}

// New builds the state from configuration. Every upstream starts alive.
func New(opts Options) (*ProxyState, error) {
	if len(opts.Upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &ProxyState{
		upstreams:            make([]Upstream, 0, len(opts.Upstreams)),
		index:                make(map[string]int, len(opts.Upstreams)),
		rates:                make(map[string]*RateEntry),
		healthCheckInterval:  opts.HealthCheckInterval,
		healthCheckPath:      opts.HealthCheckPath,
		healthCheckTimeout:   opts.HealthCheckTimeout,
		maxRequestsPerMinute: opts.MaxRequestsPerMinute,
		now:                  now,
	}

	for _, addr := range opts.Upstreams {
		if _, dup := s.index[addr]; dup {
			continue
		}
		s.index[addr] = len(s.upstreams)
		s.upstreams = append(s.upstreams, Upstream{Address: addr, Alive: true})
	}

	return s, nil
}

// SnapshotLiveAddresses returns the addresses currently marked alive, in
// configuration order.
func (s *ProxyState) SnapshotLiveAddresses() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	live := make([]string, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		if u.Alive {
			live = append(live, u.Address)
		}
	}

	return live
}

// Upstreams returns a copy of every configured upstream.
func (s *ProxyState) Upstreams() []Upstream {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Upstream, len(s.upstreams))
	copy(out, s.upstreams)
	return out
}

// Addresses returns every configured upstream address in order.
func (s *ProxyState) Addresses() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]string, len(s.upstreams))
	for i, u := range s.upstreams {
		out[i] = u.Address
	}
	return out
}

// AnyAlive reports whether at least one upstream is marked alive.
func (s *ProxyState) AnyAlive() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, u := range s.upstreams {
		if u.Alive {
			return true
		}
	}
	return false
}

// MarkAlive sets the liveness of addr.
// Returns true if the status changed. Unknown addresses are ignored.
func (s *ProxyState) MarkAlive(addr string, alive bool) (changed bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	i, ok := s.index[addr]
	if !ok || s.upstreams[i].Alive == alive {
		return false
	}

	s.upstreams[i].Alive = alive
	return true
}

// HealthCheckInterval is the wait between active health check cycles.
func (s *ProxyState) HealthCheckInterval() time.Duration {
	return s.healthCheckInterval
}

// HealthCheckPath is the request path sent by each probe.
func (s *ProxyState) HealthCheckPath() string {
	return s.healthCheckPath
}

// HealthCheckTimeout bounds a single probe.
func (s *ProxyState) HealthCheckTimeout() time.Duration {
	return s.healthCheckTimeout
}

// MaxRequestsPerMinute is the per-IP limit. 0 disables rate limiting.
func (s *ProxyState) MaxRequestsPerMinute() int {
	return s.maxRequestsPerMinute
}
