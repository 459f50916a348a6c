// Package handler serves proxied client connections. Each connection is
// paired with one upstream connection for its whole life and carries a
// sequence of HTTP/1.1 exchanges with rate limiting and X-Forwarded-For
// tagging applied per request.
package handler
