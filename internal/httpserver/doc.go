// Package httpserver runs the admin HTTP endpoints on a validated address
// with conservative timeouts and graceful shutdown.
package httpserver
