package httpcodec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

const (
	// MaxHeaderBytes bounds the size of a message head (start line and headers).
	MaxHeaderBytes = 8000

	// MaxHeaders bounds the number of header fields in a message.
	MaxHeaders = 32

	// DefaultMaxBodySize is used when a Reader is created with a non-positive limit.
	DefaultMaxBodySize = 10_000_000
)

// errRecorder remembers the last non-EOF error returned by the wrapped
// reader so transport failures can be told apart from framing errors.
type errRecorder struct {
	r   io.Reader
	err error
}

func (e *errRecorder) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		e.err = err
	}
	return n, err
}

// Reader reads consecutive HTTP messages from one connection. Bytes past the
// end of a message stay buffered for the next call, so a Reader must be
// reused for the whole life of the connection.
type Reader struct {
	src         *errRecorder
	br          *bufio.Reader
	maxBodySize int64
}

func NewReader(r io.Reader, maxBodySize int64) *Reader {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}

	src := &errRecorder{r: r}

	return &Reader{
		src:         src,
		br:          bufio.NewReaderSize(src, MaxHeaderBytes),
		maxBodySize: maxBodySize,
	}
}

// ReadRequest reads one request. It returns ErrClosed if the stream ended
// cleanly before the request started.
func (r *Reader) ReadRequest() (*Request, error) {
	head, err := r.readHead()
	if err != nil {
		return nil, err
	}

	parsed, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if countHeaders(parsed.Header) > MaxHeaders {
		return nil, ErrTooManyHeaders
	}

	req := &Request{
		Method: parsed.Method,
		URI:    parsed.RequestURI,
		Proto:  parsed.Proto,
		Header: parsed.Header,
		Close:  parsed.Close,
	}

	// The parser promotes Host out of the header map.
	if parsed.Host != "" && req.Header.Get("Host") == "" {
		req.Header.Set("Host", parsed.Host)
	}

	chunked := isChunked(parsed.TransferEncoding)
	req.Body, err = r.readBody(chunked, parsed.ContentLength)
	if err != nil {
		return nil, err
	}

	if chunked {
		setContentLength(req.Header, len(req.Body))
	}

	return req, nil
}

// ReadResponse reads one response to a request made with method.
func (r *Reader) ReadResponse(method string) (*Response, error) {
	head, err := r.readHead()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, fmt.Errorf("%w: %v", ErrIncomplete, io.EOF)
		}
		return nil, err
	}

	parsed, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), &http.Request{Method: method})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer parsed.Body.Close()

	if countHeaders(parsed.Header) > MaxHeaders {
		return nil, ErrTooManyHeaders
	}

	resp := &Response{
		Proto:      parsed.Proto,
		StatusCode: parsed.StatusCode,
		Status:     parsed.Status,
		Header:     parsed.Header,
		Close:      parsed.Close,
	}

	// The parser drops "Connection: close" from HTTP/1.1 responses.
	if parsed.Close && parsed.ProtoAtLeast(1, 1) && resp.Header.Get("Connection") == "" {
		resp.Header.Set("Connection", "close")
	}

	if !bodyAllowed(method, parsed.StatusCode) {
		return resp, nil
	}

	chunked := isChunked(parsed.TransferEncoding)
	resp.Body, err = r.readBody(chunked, parsed.ContentLength)
	if err != nil {
		return nil, err
	}

	if chunked || parsed.ContentLength < 0 {
		setContentLength(resp.Header, len(resp.Body))
	}

	return resp, nil
}

// readHead reads the start line and header fields up to and including the
// terminating blank line. Blank lines before the start line are skipped.
func (r *Reader) readHead() ([]byte, error) {
	var head []byte

	for {
		line, err := r.br.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, fmt.Errorf("%w: header line too long", ErrMalformed)
			}
			if errors.Is(err, io.EOF) && len(head) == 0 && len(bytes.TrimSpace(line)) == 0 {
				if r.src.err != nil {
					return nil, &ConnectionError{Err: r.src.err}
				}
				return nil, ErrClosed
			}
			return nil, r.classify(err)
		}

		if len(head) == 0 && isBlankLine(line) {
			continue
		}

		head = append(head, line...)
		if len(head) > MaxHeaderBytes {
			return nil, fmt.Errorf("%w: header section exceeds %d bytes", ErrMalformed, MaxHeaderBytes)
		}

		if isBlankLine(line) {
			return head, nil
		}
	}
}

func (r *Reader) readBody(chunked bool, contentLength int64) ([]byte, error) {
	switch {
	case chunked:
		body, err := io.ReadAll(io.LimitReader(httputil.NewChunkedReader(r.br), r.maxBodySize+1))
		if err != nil {
			return nil, r.classify(err)
		}
		if int64(len(body)) > r.maxBodySize {
			return nil, ErrBodyTooLarge
		}
		if err := r.skipTrailer(); err != nil {
			return nil, err
		}
		return body, nil

	case contentLength > r.maxBodySize:
		return nil, ErrBodyTooLarge

	case contentLength > 0:
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r.br, body); err != nil {
			return nil, r.classify(err)
		}
		return body, nil

	case contentLength < 0:
		// No framing: the body runs until the peer closes.
		body, err := io.ReadAll(io.LimitReader(r.br, r.maxBodySize+1))
		if err != nil {
			return nil, r.classify(err)
		}
		if int64(len(body)) > r.maxBodySize {
			return nil, ErrBodyTooLarge
		}
		return body, nil

	default:
		return nil, nil
	}
}

// skipTrailer discards trailer fields after the last chunk.
func (r *Reader) skipTrailer() error {
	for {
		line, err := r.br.ReadSlice('\n')
		if err != nil {
			return r.classify(err)
		}
		if isBlankLine(line) {
			return nil
		}
	}
}

func (r *Reader) classify(err error) error {
	if r.src.err != nil {
		return &ConnectionError{Err: r.src.err}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func isBlankLine(line []byte) bool {
	return bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))
}

func isChunked(te []string) bool {
	return len(te) > 0 && te[len(te)-1] == "chunked"
}

func countHeaders(h http.Header) int {
	n := 0
	for _, values := range h {
		n += len(values)
	}
	return n
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}

	if status >= 100 && status < 200 {
		return false
	}

	return status != http.StatusNoContent && status != http.StatusNotModified
}
