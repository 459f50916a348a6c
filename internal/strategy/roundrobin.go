package strategy

import (
	"sync/atomic"
)

type roundRobinStrategy struct {
	current atomic.Uint64
}

func (rb *roundRobinStrategy) SelectUpstream(addresses []string) string {
	if len(addresses) == 0 {
		return ""
	}

	n := rb.current.Add(1)

	return addresses[(n-1)%uint64(len(addresses))]
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}
