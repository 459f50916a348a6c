package strategy

const (
	Random     = "random"
	RoundRobin = "round-robin"
)

// Strategy picks one address out of the currently live upstreams.
// It returns "" when addresses is empty.
type Strategy interface {
	SelectUpstream(addresses []string) string
}
