package loadbalancer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/balancebeam/internal/loadbalancer"
	"github.com/angeloszaimis/balancebeam/internal/state"
	"github.com/angeloszaimis/balancebeam/internal/strategy"
)

type fakeDialer struct {
	mutex   sync.Mutex
	refuse  map[string]bool
	attempt map[string]int
}

func newFakeDialer(refused ...string) *fakeDialer {
	d := &fakeDialer{refuse: make(map[string]bool), attempt: make(map[string]int)}
	for _, addr := range refused {
		d.refuse[addr] = true
	}
	return d
}

func (d *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.attempt[address]++
	if d.refuse[address] {
		return nil, errors.New("connection refused")
	}

	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func (d *fakeDialer) attempts(address string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.attempt[address]
}

var _ = Describe("LoadBalancer", func() {
	var (
		st        *state.ProxyState
		log       *slog.Logger
		upstreams = []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}
	)

	BeforeEach(func() {
		var err error
		st, err = state.New(state.Options{Upstreams: upstreams})
		Expect(err).NotTo(HaveOccurred())
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	newLB := func(dialer loadbalancer.Dialer) *loadbalancer.LoadBalancer {
		return loadbalancer.NewLoadBalancer(st, strategy.NewRandomStrategy(), dialer, nil, log)
	}

	Describe("Connect", func() {
		Context("with all upstreams alive", func() {
			It("should return a connection and its upstream", func() {
				conn, addr, err := newLB(newFakeDialer()).Connect(context.Background())
				Expect(err).NotTo(HaveOccurred())
				defer conn.Close()
				Expect(upstreams).To(ContainElement(addr))
			})
		})

		Context("with some upstreams dead", func() {
			It("should never dial a known-dead upstream", func() {
				st.MarkAlive("10.0.0.1:80", false)
				st.MarkAlive("10.0.0.3:80", false)
				dialer := newFakeDialer()
				lb := newLB(dialer)

				for i := 0; i < 50; i++ {
					conn, addr, err := lb.Connect(context.Background())
					Expect(err).NotTo(HaveOccurred())
					conn.Close()
					Expect(addr).To(Equal("10.0.0.2:80"))
				}
				Expect(dialer.attempts("10.0.0.1:80")).To(BeZero())
				Expect(dialer.attempts("10.0.0.3:80")).To(BeZero())
			})
		})

		Context("with no upstream alive", func() {
			It("should fail immediately without dialing", func() {
				for _, addr := range upstreams {
					st.MarkAlive(addr, false)
				}
				dialer := newFakeDialer()

				conn, _, err := newLB(dialer).Connect(context.Background())
				Expect(err).To(MatchError(loadbalancer.ErrAllUpstreamsDead))
				Expect(conn).To(BeNil())
				for _, addr := range upstreams {
					Expect(dialer.attempts(addr)).To(BeZero())
				}
			})
		})

		Context("when dials fail", func() {
			It("should mark the refusing upstream dead and fail over", func() {
				dialer := newFakeDialer("10.0.0.1:80", "10.0.0.2:80")

				conn, addr, err := newLB(dialer).Connect(context.Background())
				Expect(err).NotTo(HaveOccurred())
				conn.Close()
				Expect(addr).To(Equal("10.0.0.3:80"))

				for _, refused := range []string{"10.0.0.1:80", "10.0.0.2:80"} {
					if dialer.attempts(refused) > 0 {
						Expect(st.SnapshotLiveAddresses()).NotTo(ContainElement(refused))
					}
				}
			})

			It("should report global failure once every upstream refuses", func() {
				dialer := newFakeDialer(upstreams...)

				_, _, err := newLB(dialer).Connect(context.Background())
				Expect(err).To(MatchError(loadbalancer.ErrAllUpstreamsDead))
				Expect(st.AnyAlive()).To(BeFalse())
				for _, addr := range upstreams {
					Expect(dialer.attempts(addr)).To(Equal(1))
				}
			})

			It("should fail the next call without dialing", func() {
				dialer := newFakeDialer(upstreams...)
				lb := newLB(dialer)

				_, _, err := lb.Connect(context.Background())
				Expect(err).To(MatchError(loadbalancer.ErrAllUpstreamsDead))

				_, _, err = lb.Connect(context.Background())
				Expect(err).To(MatchError(loadbalancer.ErrAllUpstreamsDead))
				Expect(dialer.attempts("10.0.0.1:80")).To(Equal(1))
			})
		})

		It("should stop when the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, _, err := newLB(newFakeDialer()).Connect(ctx)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("should fail every selection after all upstreams are concurrently marked dead", func() {
			lb := newLB(newFakeDialer())

			var wg sync.WaitGroup
			for _, addr := range upstreams {
				wg.Add(1)
				go func(addr string) {
					defer wg.Done()
					st.MarkAlive(addr, false)
				}(addr)
			}
			wg.Wait()

			var failures sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				failures.Add(1)
				go func() {
					defer failures.Done()
					_, _, err := lb.Connect(context.Background())
					errs <- err
				}()
			}
			failures.Wait()
			close(errs)

			for err := range errs {
				Expect(err).To(MatchError(loadbalancer.ErrAllUpstreamsDead))
			}
		})
	})

	Describe("with round-robin strategy", func() {
		It("should rotate over live upstreams", func() {
			st.MarkAlive("10.0.0.2:80", false)
			lb := loadbalancer.NewLoadBalancer(st, strategy.NewRoundRobinStrategy(), newFakeDialer(), nil, log)

			var picked []string
			for i := 0; i < 4; i++ {
				conn, addr, err := lb.Connect(context.Background())
				Expect(err).NotTo(HaveOccurred())
				conn.Close()
				picked = append(picked, addr)
			}
			Expect(picked).To(Equal([]string{"10.0.0.1:80", "10.0.0.3:80", "10.0.0.1:80", "10.0.0.3:80"}))
		})
	})
})
