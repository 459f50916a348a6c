package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	connections   int64
	rateLimited   int64
	clientErrors  map[int]int64
	requests      map[string]int64
	selections    map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	startTime     time.Time
}

type Snapshot struct {
	TotalConnections int64                      `json:"total_connections"`
	TotalRequests    int64                      `json:"total_requests"`
	RateLimited      int64                      `json:"rate_limited"`
	ClientErrors     map[int]int64              `json:"client_errors"`
	Uptime           time.Duration              `json:"uptime"`
	Upstreams        map[string]UpstreamMetrics `json:"upstreams"`
}

type UpstreamMetrics struct {
	Requests    int64         `json:"requests"`
	Selections  int64         `json:"selections"`
	Healthy     bool          `json:"healthy"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

func (m *Metrics) IncrementConnections() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connections++
}

func (m *Metrics) IncrementRateLimited() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rateLimited++
}

func (m *Metrics) RecordClientError(statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.clientErrors[statusCode]++
}

func (m *Metrics) RecordUpstreamSelection(upstream string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[upstream]++
}

// RecordResponse counts one relayed exchange with upstream.
func (m *Metrics) RecordResponse(upstream string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests[upstream]++

	m.responseTimes[upstream] = append(m.responseTimes[upstream], duration)
	if len(m.responseTimes[upstream]) > maxSamples {
		m.responseTimes[upstream] = m.responseTimes[upstream][1:]
	}

	if m.statusCodes[upstream] == nil {
		m.statusCodes[upstream] = make(map[int]int64)
	}
	m.statusCodes[upstream][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(upstream string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[upstream] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalConnections: m.connections,
		RateLimited:      m.rateLimited,
		ClientErrors:     make(map[int]int64, len(m.clientErrors)),
		Uptime:           time.Since(m.startTime),
		Upstreams:        make(map[string]UpstreamMetrics),
	}

	for code, n := range m.clientErrors {
		snap.ClientErrors[code] = n
	}

	allUpstreams := make(map[string]bool)
	for upstream := range m.requests {
		allUpstreams[upstream] = true
	}
	for upstream := range m.selections {
		allUpstreams[upstream] = true
	}
	for upstream := range m.healthStatus {
		allUpstreams[upstream] = true
	}

	for upstream := range allUpstreams {
		snap.TotalRequests += m.requests[upstream]

		um := UpstreamMetrics{
			Requests:    m.requests[upstream],
			Selections:  m.selections[upstream],
			Healthy:     m.healthStatus[upstream],
			StatusCodes: make(map[int]int64, len(m.statusCodes[upstream])),
		}
		for code, n := range m.statusCodes[upstream] {
			um.StatusCodes[code] = n
		}

		durations := m.responseTimes[upstream]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			um.AvgResponse = average(sorted)
			um.P50Response = percentile(sorted, 0.50)
			um.P95Response = percentile(sorted, 0.95)
			um.P99Response = percentile(sorted, 0.99)
		}

		snap.Upstreams[upstream] = um
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		clientErrors:  make(map[int]int64),
		requests:      make(map[string]int64),
		selections:    make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		startTime:     time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
