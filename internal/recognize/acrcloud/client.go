// Package acrcloud identifies audio clips with the ACRCloud identify API.
package acrcloud

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // the identify API signs with HMAC-SHA1
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

const (
	identifyPath     = "/v1/identify"
	dataType         = "audio"
	signatureVersion = "1"

	codeSuccess  = 0
	codeNoResult = 1001
)

// Config holds the project credentials.
type Config struct {
	Host         string
	AccessKey    string
	AccessSecret string
	// BaseURL overrides https://<Host>.
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// Client implements pipeline.Recognizer.
type Client struct {
	cfg    Config
	http   *resty.Client
	now    func() time.Time
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.AccessKey == "" || cfg.AccessSecret == "" {
		return nil, errors.New("acrcloud access key and secret are required")
	}
	if cfg.BaseURL == "" {
		if cfg.Host == "" {
			return nil, errors.New("acrcloud host is required")
		}
		cfg.BaseURL = "https://" + cfg.Host
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, _ error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	return &Client{cfg: cfg, http: httpClient, now: time.Now, logger: logger}, nil
}

type identifyResponse struct {
	Status struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"status"`
	Metadata struct {
		Music []struct {
			Title   string  `json:"title"`
			Score   float64 `json:"score"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"music"`
	} `json:"metadata"`
}

// Identify uploads the clip and parses the match list.
func (c *Client) Identify(ctx context.Context, clip pipeline.AudioClip) (pipeline.Recognition, error) {
	info, err := os.Stat(clip.Path)
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("stat clip: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("sample", clip.Path).
		SetFormData(map[string]string{
			"access_key":        c.cfg.AccessKey,
			"sample_bytes":      strconv.FormatInt(info.Size(), 10),
			"timestamp":         timestamp,
			"signature":         c.sign(timestamp),
			"data_type":         dataType,
			"signature_version": signatureVersion,
		}).
		Post(identifyPath)
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("acrcloud identify: %w", err)
	}
	if !resp.IsSuccess() {
		return pipeline.Recognition{}, fmt.Errorf("acrcloud identify: unexpected status %d", resp.StatusCode())
	}

	var body identifyResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return pipeline.Recognition{}, fmt.Errorf("decode identify response: %w", err)
	}

	switch body.Status.Code {
	case codeNoResult:
		c.logger.Debug("no match", zap.String("file", filepath.Base(clip.Path)))
		return pipeline.Recognition{StatusMsg: body.Status.Msg}, nil
	case codeSuccess:
	default:
		return pipeline.Recognition{}, fmt.Errorf("acrcloud status %d: %s", body.Status.Code, body.Status.Msg)
	}

	rec := pipeline.Recognition{StatusMsg: body.Status.Msg}
	for _, m := range body.Metadata.Music {
		artist := ""
		if len(m.Artists) > 0 {
			artist = m.Artists[0].Name
		}
		rec.Candidates = append(rec.Candidates, pipeline.Candidate{Title: m.Title, Artist: artist, Score: m.Score})
	}
	rec.Matched = len(rec.Candidates) > 0
	return rec, nil
}

// sign computes the request signature over the identify string-to-sign.
func (c *Client) sign(timestamp string) string {
	payload := strings.Join([]string{
		"POST", identifyPath, c.cfg.AccessKey, dataType, signatureVersion, timestamp,
	}, "\n")
	mac := hmac.New(sha1.New, []byte(c.cfg.AccessSecret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
