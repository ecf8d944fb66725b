// Package directory replays media files that were captured earlier.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

var mediaExtensions = map[string]struct{}{
	".mp4": {},
	".mp3": {},
}

// Capturer implements pipeline.Capturer over <root>/<account>, yielding
// files in lexical order. Trimmed clips from earlier runs are skipped.
type Capturer struct {
	root   string
	logger *zap.Logger
}

// New builds a directory capturer rooted at root.
func New(root string, logger *zap.Logger) (*Capturer, error) {
	if root == "" {
		return nil, errors.New("media dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{root: root, logger: logger}, nil
}

// Next returns the file at cursor or pipeline.ErrEndOfStream.
func (c *Capturer) Next(ctx context.Context, account string, cursor int) (pipeline.MediaItem, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.MediaItem{}, fmt.Errorf("list media: %w", err)
	}
	if account == "" || strings.ContainsAny(account, `/\`) || account == ".." {
		return pipeline.MediaItem{}, fmt.Errorf("invalid account %q", account)
	}
	files, err := c.list(account)
	if err != nil {
		return pipeline.MediaItem{}, err
	}
	if cursor < 0 || cursor >= len(files) {
		return pipeline.MediaItem{}, pipeline.ErrEndOfStream
	}
	name := files[cursor]
	return pipeline.MediaItem{
		Account:  account,
		FileName: name,
		Path:     filepath.Join(c.root, account, name),
		Cursor:   cursor,
	}, nil
}

func (c *Capturer) list(account string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, account))
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("no media directory for account", zap.String("account", account))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read media dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := mediaExtensions[ext]; !ok {
			continue
		}
		if strings.HasSuffix(strings.TrimSuffix(name, filepath.Ext(name)), "_trimmed") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}
