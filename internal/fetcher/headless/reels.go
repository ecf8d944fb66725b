// Package headless captures reel audio by driving headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/hash/sha256"
	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

const defaultBaseURL = "https://www.instagram.com"

// ErrNoNewStream is returned when the current reel yielded no unseen audio stream.
var ErrNoNewStream = errors.New("no new audio stream")

// Config controls the browser session.
type Config struct {
	Username          string
	Password          string
	MediaDir          string
	BaseURL           string
	UserAgent         string
	Headless          bool
	NavigationTimeout time.Duration
	VideoTimeout      time.Duration
	SettleDelay       time.Duration
	AdvanceDelay      time.Duration
}

// SegmentFetcher downloads byte-range segments into one file.
type SegmentFetcher interface {
	FetchSegments(ctx context.Context, urls []string, cookies []*http.Cookie, dest string) (int64, error)
}

// Capturer implements pipeline.Capturer against the Instagram web client.
// One browser tab is kept per account; cursor 0 starts a fresh session.
type Capturer struct {
	cfg         Config
	segments    SegmentFetcher
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	tab     context.Context
	cancel  context.CancelFunc
	streams *streamLog
	ended   bool
}

// New starts a browser allocator. The browser itself launches on first use.
func New(cfg Config, segments SegmentFetcher, logger *zap.Logger) (*Capturer, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("instagram username and password are required")
	}
	if cfg.MediaDir == "" {
		return nil, errors.New("media dir is required")
	}
	if segments == nil {
		return nil, errors.New("segment fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1200, 900),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Capturer{
		cfg:         cfg,
		segments:    segments,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		sessions:    make(map[string]*session),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 15 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 5 * time.Second
	}
	if cfg.AdvanceDelay <= 0 {
		cfg.AdvanceDelay = 2 * time.Second
	}
	return cfg
}

// Close shuts down every tab and the browser.
func (c *Capturer) Close() {
	c.mu.Lock()
	for account, s := range c.sessions {
		s.cancel()
		delete(c.sessions, account)
	}
	c.mu.Unlock()
	c.allocCancel()
}

// Next captures the audio of the reel currently on screen and then advances
// to the following reel.
func (c *Capturer) Next(ctx context.Context, account string, cursor int) (pipeline.MediaItem, error) {
	s, err := c.session(ctx, account, cursor == 0)
	if err != nil {
		return pipeline.MediaItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return pipeline.MediaItem{}, pipeline.ErrEndOfStream
	}

	item, captureErr := c.captureCurrent(ctx, s, account, cursor)
	if ctx.Err() != nil {
		return pipeline.MediaItem{}, fmt.Errorf("capture reel: %w", ctx.Err())
	}
	if err := c.advance(ctx, s); err != nil {
		c.logger.Warn("advance to next reel failed; ending capture",
			zap.String("account", account), zap.Error(err))
		s.ended = true
	}
	if captureErr != nil {
		return pipeline.MediaItem{}, captureErr
	}
	return item, nil
}

func (c *Capturer) session(ctx context.Context, account string, fresh bool) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[account]; ok {
		if !fresh {
			return s, nil
		}
		s.cancel()
		delete(c.sessions, account)
	}
	s, err := c.open(ctx, account)
	if err != nil {
		return nil, err
	}
	c.sessions[account] = s
	return s, nil
}

func (c *Capturer) open(ctx context.Context, account string) (*session, error) {
	tab, cancel := chromedp.NewContext(c.allocator)
	s := &session{tab: tab, cancel: cancel, streams: newStreamLog()}
	chromedp.ListenTarget(tab, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Response != nil {
			s.streams.Observe(resp.Response.URL)
		}
	})

	if err := c.run(ctx, s, c.cfg.NavigationTimeout, c.networkSetupAction(), c.loginActions()); err != nil {
		cancel()
		return nil, fmt.Errorf("instagram login: %w", err)
	}
	// The "save login info" prompt does not always appear.
	_ = c.run(ctx, s, c.cfg.VideoTimeout,
		chromedp.Click(`//div[@role='button' and normalize-space(text())='Not now']`, chromedp.BySearch))

	reels := fmt.Sprintf("%s/%s/reels/", c.cfg.BaseURL, account)
	firstReel := fmt.Sprintf(`a[href*='/%s/reel/']`, account)
	if err := c.run(ctx, s, c.cfg.NavigationTimeout,
		chromedp.Navigate(reels),
		chromedp.Click(firstReel, chromedp.ByQuery),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("open first reel of %s: %w", account, err)
	}
	c.logger.Info("reel session opened", zap.String("account", account))
	return s, nil
}

func (c *Capturer) loginActions() chromedp.Action {
	return chromedp.Tasks{
		chromedp.Navigate(c.cfg.BaseURL + "/accounts/login/"),
		chromedp.WaitVisible(`input[name="username"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="username"]`, c.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, c.cfg.Password+kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
	}
}

func (c *Capturer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (c *Capturer) captureCurrent(ctx context.Context, s *session, account string, cursor int) (pipeline.MediaItem, error) {
	videoErr := c.run(ctx, s, c.cfg.VideoTimeout+c.cfg.SettleDelay,
		chromedp.WaitReady("video", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
	)
	if videoErr != nil {
		c.logger.Warn("video element not found", zap.String("account", account), zap.Error(videoErr))
	}

	stream, ok := s.streams.Take()
	if !ok {
		if videoErr != nil {
			return pipeline.MediaItem{}, fmt.Errorf("%w: %w", ErrNoNewStream, videoErr)
		}
		return pipeline.MediaItem{}, ErrNoNewStream
	}

	var cookies []*network.Cookie
	if err := c.run(ctx, s, c.cfg.NavigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	})); err != nil {
		return pipeline.MediaItem{}, fmt.Errorf("read browser cookies: %w", err)
	}

	var location string
	if err := c.run(ctx, s, c.cfg.NavigationTimeout, chromedp.Location(&location)); err != nil {
		c.logger.Debug("read reel location failed", zap.String("account", account), zap.Error(err))
	}
	fileName := reelFileName(account, location, stream.Base)
	dir := filepath.Join(c.cfg.MediaDir, account)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return pipeline.MediaItem{}, fmt.Errorf("create media dir: %w", err)
	}
	dest := filepath.Join(dir, fileName)
	urls := make([]string, 0, len(stream.Segments))
	for _, seg := range stream.Segments {
		urls = append(urls, seg.URL)
	}
	written, err := c.segments.FetchSegments(ctx, urls, toHTTPCookies(cookies), dest)
	if err != nil {
		return pipeline.MediaItem{}, fmt.Errorf("download audio stream: %w", err)
	}
	c.logger.Debug("audio stream saved",
		zap.String("account", account),
		zap.String("file", fileName),
		zap.Int("segments", len(urls)),
		zap.Int64("bytes", written))

	return pipeline.MediaItem{Account: account, FileName: fileName, Path: dest, Cursor: cursor}, nil
}

var shortcodePattern = regexp.MustCompile(`/reels?/([A-Za-z0-9_-]+)`)

// reelFileName names a captured clip after the reel it came from, so the
// same reel maps to the same file across runs. The reel shortcode in the page
// URL is preferred; without one a digest of the stream base stands in.
func reelFileName(account, pageURL, streamBase string) string {
	if m := shortcodePattern.FindStringSubmatch(pageURL); m != nil {
		return fmt.Sprintf("%s_reel_%s_audio.mp4", account, m[1])
	}
	digest, _ := sha256.New().Hash([]byte(streamBase))
	return fmt.Sprintf("%s_reel_%s_audio.mp4", account, digest[:16])
}

func (c *Capturer) advance(ctx context.Context, s *session) error {
	return c.run(ctx, s, c.cfg.NavigationTimeout,
		chromedp.SendKeys("body", kb.ArrowRight, chromedp.ByQuery),
		chromedp.Sleep(c.cfg.AdvanceDelay),
	)
}

// run executes actions on the session tab, bounded by timeout and by ctx.
// Canceling a derived context aborts the actions without closing the tab.
func (c *Capturer) run(ctx context.Context, s *session, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func toHTTPCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		if ck == nil {
			continue
		}
		out = append(out, &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HttpOnly: ck.HTTPOnly,
		})
	}
	return out
}
