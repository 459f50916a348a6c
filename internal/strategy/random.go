package strategy

import (
	"math/rand/v2"
)

type randomStrategy struct{}

// SelectUpstream draws uniformly from the live set, which gives every live
// upstream the same odds as redrawing over the full list until a live one
// comes up.
func (r *randomStrategy) SelectUpstream(addresses []string) string {
	if len(addresses) == 0 {
		return ""
	}

	return addresses[rand.IntN(len(addresses))]
}

func NewRandomStrategy() Strategy {
	return &randomStrategy{}
}
