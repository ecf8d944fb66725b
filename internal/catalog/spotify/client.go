// Package spotify searches the Spotify catalog and maintains playlists
// through the Web API.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/policy/ratelimit"
)

const (
	defaultAPIBaseURL = "https://api.spotify.com/v1"
	defaultTokenURL   = "https://accounts.spotify.com/api/token"

	searchLimit   = 5
	playlistPage  = 50
	membersPage   = 100
	addChunkSize  = 100
	maxRetryAfter = time.Minute
)

// Scopes requested for the refresh token.
var Scopes = []string{"playlist-modify-private", "playlist-read-private"}

// Config holds app credentials and endpoints.
type Config struct {
	ClientID            string
	ClientSecret        string
	RefreshToken        string
	APIBaseURL          string
	TokenURL            string
	PlaylistDescription string
	Timeout             time.Duration
	RetryCount          int
}

// Client implements pipeline.CatalogSearcher and pipeline.PlaylistManager.
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	userID string
}

// New builds a Client authenticated with the refresh-token flow. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.New("spotify client id, secret and refresh token are required")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.PlaylistDescription == "" {
		cfg.PlaylistDescription = "Songs recognized from Instagram reels"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		Scopes:       Scopes,
	}
	tokenSource := oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	httpClient := oauth2.NewClient(context.Background(), tokenSource)

	c := &Client{cfg: cfg, limiter: limiter, logger: logger}
	c.http = resty.NewWithClient(httpClient).
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(maxRetryAfter).
		SetRetryAfter(c.retryAfter).
		AddRetryCondition(func(r *resty.Response, _ error) bool {
			return r.StatusCode() == http.StatusTooManyRequests || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		}).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if c.limiter == nil {
				return nil
			}
			return c.limiter.Wait(r.Context(), c.cfg.APIBaseURL)
		})
	return c, nil
}

// retryAfter honors the Retry-After header of a 429 and holds every other
// caller on the same limiter for that long.
func (c *Client) retryAfter(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	if resp == nil || resp.StatusCode() != http.StatusTooManyRequests {
		return 0, nil
	}
	secs, err := strconv.Atoi(resp.Header().Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0, nil
	}
	wait := time.Duration(secs) * time.Second
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	if c.limiter != nil {
		c.limiter.Pause(c.cfg.APIBaseURL, wait)
	}
	c.logger.Warn("spotify rate limited", zap.Duration("retry_after", wait))
	return wait, nil
}

type artist struct {
	Name string `json:"name"`
}

type track struct {
	URI     string   `json:"uri"`
	Name    string   `json:"name"`
	Artists []artist `json:"artists"`
}

type searchResponse struct {
	Tracks struct {
		Items []track `json:"items"`
	} `json:"tracks"`
}

// Search runs a track search and returns hits in Spotify's ranking order.
func (c *Client) Search(ctx context.Context, query string) ([]pipeline.CatalogTrack, error) {
	var body searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":     query,
			"type":  "track",
			"limit": strconv.Itoa(searchLimit),
		}).
		SetResult(&body).
		Get("/search")
	if err := check("search", resp, err); err != nil {
		return nil, err
	}
	out := make([]pipeline.CatalogTrack, 0, len(body.Tracks.Items))
	for _, t := range body.Tracks.Items {
		hit := pipeline.CatalogTrack{URI: t.URI, Name: t.Name}
		if len(t.Artists) > 0 {
			hit.Artist = t.Artists[0].Name
		}
		out = append(out, hit)
	}
	return out, nil
}

type playlistObject struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
}

func (p playlistObject) toPlaylist() pipeline.Playlist {
	return pipeline.Playlist{ID: p.ID, Name: p.Name, URL: p.ExternalURLs.Spotify}
}

type playlistPageResponse struct {
	Items []playlistObject `json:"items"`
	Next  string           `json:"next"`
}

// FindOrCreate returns the authorized user's playlist named name, creating a
// private one when none matches exactly. account only labels logs; playlists
// always belong to the token's user.
func (c *Client) FindOrCreate(ctx context.Context, account, name string) (pipeline.Playlist, error) {
	if name == "" {
		return pipeline.Playlist{}, errors.New("playlist name is required")
	}
	next := "/me/playlists?limit=" + strconv.Itoa(playlistPage)
	for next != "" {
		var page playlistPageResponse
		resp, err := c.http.R().SetContext(ctx).SetResult(&page).Get(next)
		if err := check("list playlists", resp, err); err != nil {
			return pipeline.Playlist{}, err
		}
		for _, p := range page.Items {
			if p.Name == name {
				return p.toPlaylist(), nil
			}
		}
		next = page.Next
	}

	userID, err := c.currentUser(ctx)
	if err != nil {
		return pipeline.Playlist{}, err
	}
	var created playlistObject
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"name":        name,
			"public":      false,
			"description": c.cfg.PlaylistDescription,
		}).
		SetResult(&created).
		Post("/users/" + url.PathEscape(userID) + "/playlists")
	if err := check("create playlist", resp, err); err != nil {
		return pipeline.Playlist{}, err
	}
	c.logger.Info("playlist created",
		zap.String("account", account),
		zap.String("playlist", name),
		zap.String("playlist_id", created.ID))
	return created.toPlaylist(), nil
}

func (c *Client) currentUser(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.userID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	var me struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&me).Get("/me")
	if err := check("current user", resp, err); err != nil {
		return "", err
	}
	if me.ID == "" {
		return "", errors.New("spotify current user: empty id")
	}
	c.mu.Lock()
	c.userID = me.ID
	c.mu.Unlock()
	return me.ID, nil
}

type membersPageResponse struct {
	Items []struct {
		Track *struct {
			URI string `json:"uri"`
		} `json:"track"`
	} `json:"items"`
	Next string `json:"next"`
}

// ListMembers returns every track URI currently in the playlist.
func (c *Client) ListMembers(ctx context.Context, playlist pipeline.Playlist) (map[string]struct{}, error) {
	members := make(map[string]struct{})
	next := fmt.Sprintf("/playlists/%s/tracks?fields=items(track(uri)),next&limit=%d", url.PathEscape(playlist.ID), membersPage)
	for next != "" {
		var page membersPageResponse
		resp, err := c.http.R().SetContext(ctx).SetResult(&page).Get(next)
		if err := check("list playlist tracks", resp, err); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Track != nil && item.Track.URI != "" {
				members[item.Track.URI] = struct{}{}
			}
		}
		next = page.Next
	}
	return members, nil
}

// AddMembers appends uris to the playlist in chunks of 100.
func (c *Client) AddMembers(ctx context.Context, playlist pipeline.Playlist, uris []string) error {
	for start := 0; start < len(uris); start += addChunkSize {
		end := start + addChunkSize
		if end > len(uris) {
			end = len(uris)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]any{"uris": uris[start:end]}).
			Post("/playlists/" + url.PathEscape(playlist.ID) + "/tracks")
		if err := check("add playlist tracks", resp, err); err != nil {
			return err
		}
	}
	return nil
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("spotify %s: %w", op, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("spotify %s: unexpected status %d: %s", op, resp.StatusCode(), truncate(resp.String(), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
