// Package httpcodec reads and writes HTTP/1.1 messages on a raw byte stream.
// It frames requests and responses using Content-Length or chunked encoding,
// buffers bodies up to a configured maximum, and classifies read failures so
// callers can tell a clean end-of-stream from a truncated or malformed message.
package httpcodec
