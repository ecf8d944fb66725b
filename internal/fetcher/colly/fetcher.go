// Package collyfetcher downloads byte-range media segments using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Referer   string
	Timeout   time.Duration
}

// Fetcher writes the segments of one stream, in order, into a single file.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.MaxBodySize = 0
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
	}
}

// segmentWriter receives collector callbacks for one download.
type segmentWriter struct {
	file    *os.File
	written int64
	failed  int
	lastErr error
	logger  *zap.Logger
}

// FetchSegments downloads urls sequentially into dest. A failed segment is
// logged and skipped; the call fails only when nothing could be written.
func (f *Fetcher) FetchSegments(ctx context.Context, urls []string, cookies []*http.Cookie, dest string) (int64, error) {
	if len(urls) == 0 {
		return 0, errors.New("no segments to fetch")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".segments-*")
	if err != nil {
		return 0, fmt.Errorf("create segment file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	w := &segmentWriter{file: tmp, logger: f.logger}
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, w)

	for _, u := range urls {
		if len(cookies) > 0 {
			if err := collector.SetCookies(u, cookies); err != nil {
				_ = tmp.Close()
				return 0, fmt.Errorf("set cookies: %w", err)
			}
		}
		if err := f.runCollector(ctx, collector, u); err != nil {
			if ctx.Err() != nil {
				_ = tmp.Close()
				return 0, err
			}
			w.fail(u, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close segment file: %w", err)
	}
	if w.written == 0 {
		return 0, fmt.Errorf("all %d segments failed: %w", len(urls), w.lastErr)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, fmt.Errorf("finalize %s: %w", dest, err)
	}
	return w.written, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.MaxBodySize = 0
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, w *segmentWriter) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.cfg.Referer != "" {
			r.Headers.Set("Referer", f.cfg.Referer)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		n, err := w.file.Write(r.Body)
		w.written += int64(n)
		if err != nil {
			w.fail(r.Request.URL.String(), err)
		}
	})

	// Visit also returns this error; runCollector reports it once.
	hooks.OnError(func(_ *colly.Response, _ error) {})
}

func (w *segmentWriter) fail(u string, err error) {
	w.failed++
	w.lastErr = err
	w.logger.Warn("segment download failed", zap.String("url", u), zap.Error(err))
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("segment fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
