package httpcodec

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Request is a fully buffered HTTP/1.1 request. Close reports that the
// client asked for the connection to be closed after the response.
type Request struct {
	Method string
	URI    string
	Proto  string
	Header http.Header
	Body   []byte
	Close  bool
}

// Response is a fully buffered HTTP/1.1 response. Status holds the code and
// reason phrase, e.g. "200 OK". Close reports that the sender will close the
// connection after this response.
type Response struct {
	Proto      string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Close      bool
}

// RequestLine formats the request line for logging.
func (r *Request) RequestLine() string {
	return fmt.Sprintf("%s %s %s", r.Method, r.URI, r.Proto)
}

// StatusLine formats the status line for logging.
func (r *Response) StatusLine() string {
	return fmt.Sprintf("%s %s", r.Proto, r.Status)
}

// NewRequest builds a bodiless request for the given target, as used by
// health probes.
func NewRequest(method, uri, host string) *Request {
	header := make(http.Header)
	header.Set("Host", host)
	header.Set("Connection", "close")

	return &Request{
		Method: method,
		URI:    uri,
		Proto:  "HTTP/1.1",
		Header: header,
	}
}

// NewErrorResponse builds the response the proxy synthesizes for its own
// errors: a status line and an empty body.
func NewErrorResponse(code int) *Response {
	header := make(http.Header)
	header.Set("Content-Length", "0")

	return &Response{
		Proto:      "HTTP/1.1",
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Header:     header,
	}
}

// ExtendHeader appends value to a comma separated header, creating the
// header if it is absent.
func ExtendHeader(h http.Header, key, value string) {
	existing := h.Values(key)
	if len(existing) == 0 {
		h.Set(key, value)
		return
	}

	h.Set(key, strings.Join(append(existing, value), ", "))
}

// WriteRequest serializes req onto w.
func WriteRequest(w io.Writer, req *Request) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", req.Method, req.URI, req.Proto); err != nil {
		return err
	}

	return writeMessage(bw, req.Header, req.Body)
}

// WriteResponse serializes resp onto w.
func WriteResponse(w io.Writer, resp *Response) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "%s %s\r\n", resp.Proto, resp.Status); err != nil {
		return err
	}

	return writeMessage(bw, resp.Header, resp.Body)
}

func writeMessage(bw *bufio.Writer, header http.Header, body []byte) error {
	if err := header.Write(bw); err != nil {
		return err
	}

	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}

	if _, err := bw.Write(body); err != nil {
		return err
	}

	return bw.Flush()
}

func setContentLength(h http.Header, n int) {
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.Itoa(n))
}
