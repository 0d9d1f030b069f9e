package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"promptrelay/internal/router"
)

var errStreamClosed = errors.New("response stream already closed")

// responseStream writes relay output as chunked plain text, flushing after
// every write. Headers are committed on the first write or on Close.
type responseStream struct {
	res    *echo.Response
	status int
	closed bool
}

var _ router.Stream = (*responseStream)(nil)

func newResponseStream(res *echo.Response) *responseStream {
	return &responseStream{res: res, status: http.StatusOK}
}

func (s *responseStream) WriteHeader(status int) {
	if s.res.Committed {
		return
	}
	s.status = status
}

func (s *responseStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errStreamClosed
	}
	s.commit()

	n, err := s.res.Write(p)
	if err != nil {
		return n, err
	}
	if flusher, ok := s.res.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, nil
}

func (s *responseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.commit()
	if flusher, ok := s.res.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *responseStream) commit() {
	if s.res.Committed {
		return
	}
	header := s.res.Header()
	header.Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	s.res.WriteHeader(s.status)
}
