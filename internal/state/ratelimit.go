package state

import "time"

// RateWindow is the length of a rate-limit window.
const RateWindow = 60 * time.Second

// Decision is the outcome of a rate-limit check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

// RateEntry counts the requests one client IP made in the current window.
type RateEntry struct {
	WindowStart time.Time
	Count       int
}

func (e *RateEntry) expired(now time.Time) bool {
	return now.Sub(e.WindowStart) >= RateWindow
}

// CheckAndIncrement records a request from ip and reports whether it fits in
// the limit. A window restarts on the first request arriving RateWindow or
// more after it began; this is a fixed window, so bursts can straddle the
// boundary. A limit of 0 disables the check.
func (s *ProxyState) CheckAndIncrement(ip string) Decision {
	if s.maxRequestsPerMinute <= 0 {
		return Allow
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()

	entry, ok := s.rates[ip]
	if !ok {
		s.rates[ip] = &RateEntry{WindowStart: now, Count: 1}
		return Allow
	}

	if entry.expired(now) {
		entry.WindowStart = now
		entry.Count = 0
	}

	if entry.Count >= s.maxRequestsPerMinute {
		return Deny
	}

	entry.Count++
	return Allow
}

// EvictExpired drops rate entries whose window has ended and returns how many
// were removed. A dropped entry behaves exactly like an expired one on the
// client's next request.
func (s *ProxyState) EvictExpired() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	evicted := 0

	for ip, entry := range s.rates {
		if entry.expired(now) {
			delete(s.rates, ip)
			evicted++
		}
	}

	return evicted
}

// RateEntries returns the number of tracked client IPs.
func (s *ProxyState) RateEntries() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.rates)
}
