package transport

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/PyRo1121/hetzner-sub000/errors"
)

// SSESecondary is the push-only fallback channel: a long-lived
// server-sent-events stream. It carries no outbound path, so no subscribe
// control messages are emitted; the upstream pushes its full firehose.
type SSESecondary struct {
	url     string
	handler MessageHandler
	client  *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed chan error
}

// NewSSESecondary creates the fallback channel for url.
func NewSSESecondary(url string, handler MessageHandler, logger *slog.Logger) *SSESecondary {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSESecondary{
		url:     url,
		handler: handler,
		client:  &http.Client{},
		logger:  logger.With("component", "transport.secondary"),
	}
}

// Name identifies the channel in logs.
func (s *SSESecondary) Name() string { return "sse" }

// Open establishes the stream. ctx bounds establishment only; once the
// response headers arrive the stream lives until Close or a read error.
func (s *SSESecondary) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return errors.WrapInvalid(err, "SSESecondary", "Open", "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	type opened struct {
		resp *http.Response
		err  error
	}
	ch := make(chan opened, 1)
	go func() {
		resp, err := s.client.Do(req)
		ch <- opened{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return errors.WrapTransient(errors.ErrConnectionTimeout, "SSESecondary", "Open",
			"establish stream to "+s.url)
	case o := <-ch:
		if o.err != nil {
			cancel()
			return errors.WrapTransient(o.err, "SSESecondary", "Open", "establish stream to "+s.url)
		}
		resp = o.resp
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.WrapTransient(errors.ErrUpstreamStatus, "SSESecondary", "Open",
			"unexpected status "+resp.Status)
	}

	closed := make(chan error, 1)
	s.cancel = cancel
	s.closed = closed

	go s.readLoop(resp, closed)
	return nil
}

// readLoop delivers each SSE data line to the handler until the stream
// ends.
func (s *SSESecondary) readLoop(resp *http.Response, closed chan error) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		s.handler([]byte(data))
	}

	err := scanner.Err()
	if err == nil {
		// Clean EOF still means the upstream went away
		err = errors.ErrConnectionLost
	}
	select {
	case closed <- err:
	default:
	}
}

// Closed signals that the stream ended.
func (s *SSESecondary) Closed() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = make(chan error, 1)
	}
	return s.closed
}

// Close tears the stream down.
func (s *SSESecondary) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
