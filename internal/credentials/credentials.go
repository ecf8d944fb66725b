// Package credentials resolves service secrets from config or the OS keyring.
package credentials

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// DefaultService is the keyring service name secrets are stored under.
const DefaultService = "ig2spotify"

// Keyring entry names.
const (
	InstagramPassword   = "instagram_password"
	SpotifyClientSecret = "spotify_client_secret"
	SpotifyRefreshToken = "spotify_refresh_token"
	RecognitionSecret   = "acrcloud_access_secret"
)

// Names lists the secrets that may live in the keyring.
var Names = []string{InstagramPassword, SpotifyClientSecret, SpotifyRefreshToken, RecognitionSecret}

// Config selects the secret source.
type Config struct {
	UseKeyring bool
	Service    string
}

// Secrets carries every credential the pipeline needs.
type Secrets struct {
	InstagramPassword   string
	SpotifyClientSecret string
	SpotifyRefreshToken string
	RecognitionSecret   string
}

// Resolver fills secrets left empty by configuration.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve returns configured secrets, topped up from the keyring when
// enabled. Values set in config or env always win.
func (r *Resolver) Resolve(configured Secrets) (Secrets, error) {
	if !r.cfg.UseKeyring {
		return configured, nil
	}
	out := configured
	fields := map[string]*string{
		InstagramPassword:   &out.InstagramPassword,
		SpotifyClientSecret: &out.SpotifyClientSecret,
		SpotifyRefreshToken: &out.SpotifyRefreshToken,
		RecognitionSecret:   &out.RecognitionSecret,
	}
	for _, name := range Names {
		dst := fields[name]
		if *dst != "" {
			continue
		}
		value, err := keyring.Get(r.cfg.Service, name)
		switch {
		case errors.Is(err, keyring.ErrNotFound):
			r.logger.Debug("secret not in keyring", zap.String("name", name))
		case err != nil:
			return Secrets{}, fmt.Errorf("read keyring %s: %w", name, err)
		default:
			*dst = value
		}
	}
	return out, nil
}

// Store writes one secret to the keyring.
func (r *Resolver) Store(name, value string) error {
	if !known(name) {
		return fmt.Errorf("unknown secret %q (want one of %v)", name, sorted())
	}
	if err := keyring.Set(r.cfg.Service, name, value); err != nil {
		return fmt.Errorf("write keyring %s: %w", name, err)
	}
	return nil
}

// Delete removes one secret from the keyring. Missing entries are not an error.
func (r *Resolver) Delete(name string) error {
	if !known(name) {
		return fmt.Errorf("unknown secret %q (want one of %v)", name, sorted())
	}
	if err := keyring.Delete(r.cfg.Service, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete keyring %s: %w", name, err)
	}
	return nil
}

func known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

func sorted() []string {
	out := append([]string(nil), Names...)
	sort.Strings(out)
	return out
}
