// Package config resolves the proxy configuration from command-line flags,
// BALANCEBEAM_* environment variables and an optional YAML file, and
// validates it before anything is started.
package config
