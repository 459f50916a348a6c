// Package proxyserver owns the client-facing TCP listener. It accepts
// connections, hands each one to a ConnHandler on its own goroutine and
// drains them on shutdown.
package proxyserver
