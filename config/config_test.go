package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/balancebeam/config"
)

func load(args ...string) (*config.Config, error) {
	fs := pflag.NewFlagSet("balancebeam", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	Expect(fs.Parse(args)).To(Succeed())
	return config.Load(fs)
}

var _ = Describe("Config", func() {
	Describe("Load", func() {
		Context("with only an upstream", func() {
			It("should apply the defaults", func() {
				cfg, err := load("--upstream", "127.0.0.1:8080")
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Bind).To(Equal("0.0.0.0:1100"))
				Expect(cfg.Upstreams).To(Equal([]string{"127.0.0.1:8080"}))
				Expect(cfg.HealthCheckInterval).To(Equal(10))
				Expect(cfg.HealthCheckPeriod()).To(Equal(10 * time.Second))
				Expect(cfg.HealthCheckPath).To(Equal("/"))
				Expect(cfg.HealthCheckTimeout).To(Equal(5 * time.Second))
				Expect(cfg.MaxRequestsPerMinute).To(BeZero())
				Expect(cfg.MaxBodySize).To(Equal(int64(10_000_000)))
				Expect(cfg.ConnectTimeout).To(Equal(5 * time.Second))
				Expect(cfg.Strategy).To(Equal(config.StrategyRandom))
				Expect(cfg.AdminBind).To(BeEmpty())
				Expect(cfg.LogLevel).To(Equal(config.LogLevelDebug))
				Expect(cfg.Environment).To(Equal(config.EnvDev))
			})
		})

		Context("with flags", func() {
			It("should accept repeated upstreams", func() {
				cfg, err := load(
					"--upstream", "10.0.0.1:80",
					"--upstream", "backend.internal:8080",
					"--active-health-check-interval", "3",
					"--active-health-check-path", "/health",
					"--max-requests-per-minute", "30",
					"--strategy", "round-robin",
					"--admin-bind", "127.0.0.1:9100",
				)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Upstreams).To(Equal([]string{"10.0.0.1:80", "backend.internal:8080"}))
				Expect(cfg.HealthCheckPeriod()).To(Equal(3 * time.Second))
				Expect(cfg.HealthCheckPath).To(Equal("/health"))
				Expect(cfg.MaxRequestsPerMinute).To(Equal(30))
				Expect(cfg.Strategy).To(Equal(config.StrategyRoundRobin))
				Expect(cfg.AdminBind).To(Equal("127.0.0.1:9100"))
			})
		})

		Context("with environment variables", func() {
			BeforeEach(func() {
				os.Setenv("BALANCEBEAM_UPSTREAM", "10.0.0.1:80,10.0.0.2:80")
				os.Setenv("BALANCEBEAM_MAX_REQUESTS_PER_MINUTE", "7")
				os.Setenv("BALANCEBEAM_LOG_LEVEL", "warn")
			})

			AfterEach(func() {
				os.Unsetenv("BALANCEBEAM_UPSTREAM")
				os.Unsetenv("BALANCEBEAM_MAX_REQUESTS_PER_MINUTE")
				os.Unsetenv("BALANCEBEAM_LOG_LEVEL")
			})

			It("should read prefixed variables", func() {
				cfg, err := load()
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Upstreams).To(Equal([]string{"10.0.0.1:80", "10.0.0.2:80"}))
				Expect(cfg.MaxRequestsPerMinute).To(Equal(7))
				Expect(cfg.LogLevel).To(Equal(config.LogLevelWarn))
			})

			It("should let flags win over the environment", func() {
				cfg, err := load("--max-requests-per-minute", "1")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.MaxRequestsPerMinute).To(Equal(1))
			})
		})

		Context("with a config file", func() {
			var path string

			BeforeEach(func() {
				path = filepath.Join(GinkgoT().TempDir(), "balancebeam.yaml")
				content := `
bind: "127.0.0.1:2000"
upstream:
  - "10.0.0.1:80"
  - "10.0.0.2:80"
active-health-check-interval: 2
active-health-check-timeout: "750ms"
environment: "prod"
`
				Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
			})

			It("should read values from the file", func() {
				cfg, err := load("--config", path)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Bind).To(Equal("127.0.0.1:2000"))
				Expect(cfg.Upstreams).To(HaveLen(2))
				Expect(cfg.HealthCheckInterval).To(Equal(2))
				Expect(cfg.HealthCheckTimeout).To(Equal(750 * time.Millisecond))
				Expect(cfg.Environment).To(Equal(config.EnvProd))
			})

			It("should fail when the file does not exist", func() {
				_, err := load("--config", filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
				Expect(err).To(MatchError(ContainSubstring("read config file")))
			})
		})

		DescribeTable("invalid configurations",
			func(substring string, args ...string) {
				_, err := load(args...)
				Expect(err).To(MatchError(ContainSubstring(substring)))
			},
			Entry("no upstream", "upstream", "--bind", "0.0.0.0:1100"),
			Entry("upstream without port", "upstream", "--upstream", "10.0.0.1"),
			Entry("upstream without host", "upstream", "--upstream", ":80"),
			Entry("bad bind", "bind", "--upstream", "10.0.0.1:80", "--bind", "nope"),
			Entry("zero interval", "active-health-check-interval", "--upstream", "10.0.0.1:80", "--active-health-check-interval", "0"),
			Entry("relative path", "active-health-check-path", "--upstream", "10.0.0.1:80", "--active-health-check-path", "health"),
			Entry("negative limit", "max-requests-per-minute", "--upstream", "10.0.0.1:80", "--max-requests-per-minute", "-1"),
			Entry("unknown strategy", "strategy", "--upstream", "10.0.0.1:80", "--strategy", "least-conn"),
			Entry("bad admin bind", "admin-bind", "--upstream", "10.0.0.1:80", "--admin-bind", "localhost"),
			Entry("unknown log level", "log-level", "--upstream", "10.0.0.1:80", "--log-level", "trace"),
			Entry("unknown environment", "environment", "--upstream", "10.0.0.1:80", "--environment", "qa"),
		)
	})
})
