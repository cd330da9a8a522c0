package datalayer

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/http2"
)

// transportDefaults groups connection-pool tuning knobs, sized for a node
// serving many apps that each hold a handful of upstream data sources open
// at once — far fewer origins than a browser-automation fleet, so the pool
// is smaller than the one this client design is descended from.
var transportDefaults = struct {
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
}{
	maxIdleConns:        200,
	maxIdleConnsPerHost: 50,
	maxConnsPerHost:     100,
}

// newHTTPClient builds the shared *http.Client used by fetch, poll and
// action-forwarding requests. Stream (SSE) connections use their own client
// built by newStreamClient, since they must disable the idle timeout and
// response timeout that would otherwise kill a long-lived connection.
func newHTTPClient(timeout time.Duration) (*http.Client, error) {
	t := &http.Transport{
		DisableKeepAlives:     false,
		MaxIdleConns:          transportDefaults.maxIdleConns,
		MaxIdleConnsPerHost:   transportDefaults.maxIdleConnsPerHost,
		MaxConnsPerHost:       transportDefaults.maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("datalayer: configure http2: %w", err)
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

// newStreamClient builds a client for long-lived SSE connections: no overall
// request timeout (the stream stays open indefinitely); of the pool limits it
// sets only MaxIdleConnsPerHost.
func newStreamClient() (*http.Client, error) {
	t := &http.Transport{
		DisableKeepAlives:     false,
		MaxIdleConnsPerHost:   transportDefaults.maxIdleConnsPerHost,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("datalayer: configure http2: %w", err)
	}
	return &http.Client{Transport: t}, nil
}

// decodeBody transparently decompresses resp.Body according to its
// Content-Encoding header. Upstream data sources are not browsers and the
// standard transport only auto-decompresses gzip when it requested it
// itself, so br/zstd-encoded responses need explicit handling.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("datalayer: zstd reader: %w", err)
		}
		return zstdCloser{zr}, nil
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("datalayer: gzip reader: %w", err)
		}
		return gr, nil
	default:
		return resp.Body, nil
	}
}

// zstdCloser adapts *zstd.Decoder (whose Close takes no error) to io.ReadCloser.
type zstdCloser struct{ *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}
