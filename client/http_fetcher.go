package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// errStalled marks a body that delivered no bytes for a whole idle window.
var errStalled = errors.New("download stalled")

// HTTPFetcher streams URLs to local files.
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPFetcher creates a fetcher that gives up when connecting, waiting for
// response headers or waiting for the next body bytes takes longer than
// timeout. A large body that keeps arriving is never cut off.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout

	return &HTTPFetcher{
		client:    &http.Client{Transport: transport},
		timeout:   timeout,
		userAgent: userAgent,
	}
}

// FetchToFile downloads url into dest. The body is streamed to dest.part and
// renamed on completion, so dest never holds a truncated download.
func (f *HTTPFetcher) FetchToFile(ctx context.Context, url, dest string) error {
	log.Debug().Str("url", url).Str("dest", dest).Msg("Fetching file")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	partPath := dest + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	body := newIdleReader(resp.Body, f.timeout, cancel)
	written, err := io.Copy(out, body)
	body.stop()
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partPath)
		if body.stalled.Load() {
			return fmt.Errorf("%w: no data for %s from %s", errStalled, f.timeout, url)
		}
		return fmt.Errorf("failed to write to file: %w", err)
	}
	if written == 0 {
		_ = os.Remove(partPath)
		return fmt.Errorf("empty response body from %s", url)
	}

	if err := os.Rename(partPath, dest); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	log.Debug().Str("dest", dest).Int64("bytes", written).Msg("File fetched")
	return nil
}

// idleReader cancels the request once no bytes arrive for timeout. Every
// successful read pushes the deadline out again.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.stalled.Store(true)
			cancel()
		})
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
