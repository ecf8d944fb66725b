// Package reconcile resolves recognized title/artist pairs to catalog URIs and
// keeps the run playlist in sync with the ledger.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/telemetry"
)

// Reconciler implements pipeline.Reconciler.
type Reconciler struct {
	ledger    pipeline.Ledger
	tracker   pipeline.RunTracker
	searcher  pipeline.CatalogSearcher
	playlists pipeline.PlaylistManager
	logger    *zap.Logger
}

// New wires a Reconciler.
func New(
	ledger pipeline.Ledger,
	tracker pipeline.RunTracker,
	searcher pipeline.CatalogSearcher,
	playlists pipeline.PlaylistManager,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ledger:    ledger,
		tracker:   tracker,
		searcher:  searcher,
		playlists: playlists,
		logger:    logger,
	}
}

// Resolve looks up catalog URIs for the run's matched rows that lack one and
// writes them back. Search errors leave the row empty for a later pass.
func (r *Reconciler) Resolve(ctx context.Context, runID string) (pipeline.ResolveResult, error) {
	rows, err := r.ledger.ReadByRun(ctx, runID)
	if err != nil {
		return pipeline.ResolveResult{}, fmt.Errorf("read run rows: %w", err)
	}
	res, err := r.resolveRows(ctx, rows)
	if err != nil {
		return res, err
	}
	if res.Resolved > 0 && r.tracker != nil {
		if err := r.tracker.Increment(ctx, runID, pipeline.CounterMatched, res.Resolved); err != nil {
			return res, fmt.Errorf("increment matched: %w", err)
		}
	}
	return res, nil
}

// ResolveUnresolved sweeps every ledger row (optionally one account) still
// lacking a URI.
func (r *Reconciler) ResolveUnresolved(ctx context.Context, account string) (pipeline.ResolveResult, error) {
	rows, err := r.ledger.ReadAll(ctx)
	if err != nil {
		return pipeline.ResolveResult{}, fmt.Errorf("read ledger: %w", err)
	}
	return r.resolveRows(ctx, filterAccount(rows, account))
}

func (r *Reconciler) resolveRows(ctx context.Context, rows []pipeline.Record) (pipeline.ResolveResult, error) {
	var res pipeline.ResolveResult
	found := make(map[string]string)
	cache := make(map[string]string)
	for _, rec := range rows {
		if !rec.Resolvable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("resolve canceled: %w", err)
		}
		res.Considered++
		key := strings.ToLower(rec.Title) + "|" + strings.ToLower(rec.Artist)
		uri, cached := cache[key]
		if !cached {
			var err error
			uri, err = r.lookup(ctx, rec.Title, rec.Artist)
			if err != nil {
				r.logger.Warn("catalog search failed",
					zap.String("file_name", rec.FileName),
					zap.String("title", rec.Title),
					zap.String("artist", rec.Artist),
					zap.Error(err),
				)
				res.Failed++
				continue
			}
			cache[key] = uri
		}
		if uri == "" {
			r.logger.Info("no catalog match",
				zap.String("file_name", rec.FileName),
				zap.String("title", rec.Title),
				zap.String("artist", rec.Artist),
			)
			res.Failed++
			continue
		}
		found[rec.FileName] = uri
	}
	if len(found) == 0 {
		return res, nil
	}
	updated, err := r.ledger.SetCatalogURIs(ctx, found)
	if err != nil {
		return res, fmt.Errorf("write catalog uris: %w", err)
	}
	res.Resolved = updated
	for _, rec := range rows {
		if uri, ok := found[rec.FileName]; ok {
			res.URIs = append(res.URIs, uri)
		}
	}
	return res, nil
}

// lookup runs the strict field query first and falls back to a free-text
// query only when the strict one returns nothing.
func (r *Reconciler) lookup(ctx context.Context, title, artist string) (string, error) {
	tiers := []struct {
		name  string
		query string
	}{
		{"strict", StrictQuery(title, artist)},
		{"relaxed", RelaxedQuery(title, artist)},
	}
	for _, tier := range tiers {
		hits, err := r.searcher.Search(ctx, tier.query)
		if err != nil {
			telemetry.ObserveCatalogLookup(tier.name, "error")
			return "", fmt.Errorf("%s search: %w", tier.name, err)
		}
		if len(hits) > 0 && hits[0].URI != "" {
			telemetry.ObserveCatalogLookup(tier.name, "hit")
			return hits[0].URI, nil
		}
		telemetry.ObserveCatalogLookup(tier.name, "miss")
	}
	return "", nil
}

// SyncPlaylist adds the run's resolved URIs that the playlist does not
// already contain. PlaylistDone is set only once membership is converged.
func (r *Reconciler) SyncPlaylist(ctx context.Context, runID, account, playlistName string) (pipeline.SyncResult, error) {
	rows, err := r.ledger.ReadByRun(ctx, runID)
	if err != nil {
		return pipeline.SyncResult{}, fmt.Errorf("read run rows: %w", err)
	}
	res, err := r.syncURIs(ctx, account, playlistName, resolvedURIs(rows), func(pl pipeline.Playlist) error {
		return r.tracker.Set(ctx, runID, pipeline.FieldPlaylistURL, pl.URL)
	})
	if err != nil {
		return res, err
	}
	if err := r.tracker.Set(ctx, runID, pipeline.FieldPlaylistDone, true); err != nil {
		return res, fmt.Errorf("mark playlist done: %w", err)
	}
	return res, nil
}

// SyncAccount converges the playlist with every resolved row of account.
func (r *Reconciler) SyncAccount(ctx context.Context, account, playlistName string) (pipeline.SyncResult, error) {
	rows, err := r.ledger.ReadAll(ctx)
	if err != nil {
		return pipeline.SyncResult{}, fmt.Errorf("read ledger: %w", err)
	}
	return r.syncURIs(ctx, account, playlistName, resolvedURIs(filterAccount(rows, account)), nil)
}

func (r *Reconciler) syncURIs(
	ctx context.Context,
	account, playlistName string,
	uris []string,
	onPlaylist func(pipeline.Playlist) error,
) (pipeline.SyncResult, error) {
	pl, err := r.playlists.FindOrCreate(ctx, account, playlistName)
	if err != nil {
		return pipeline.SyncResult{}, fmt.Errorf("find or create playlist %q: %w", playlistName, err)
	}
	res := pipeline.SyncResult{Playlist: pl}
	if onPlaylist != nil {
		if err := onPlaylist(pl); err != nil {
			return res, fmt.Errorf("record playlist: %w", err)
		}
	}
	members, err := r.playlists.ListMembers(ctx, pl)
	if err != nil {
		return res, fmt.Errorf("list playlist members: %w", err)
	}
	res.Existing = len(members)

	var missing []string
	for _, uri := range uris {
		if _, ok := members[uri]; !ok {
			missing = append(missing, uri)
		}
	}
	if len(missing) == 0 {
		r.logger.Debug("playlist already converged", zap.String("playlist", pl.Name), zap.Int("members", len(members)))
		return res, nil
	}
	if err := r.playlists.AddMembers(ctx, pl, missing); err != nil {
		return res, fmt.Errorf("add playlist members: %w", err)
	}
	res.Added = missing
	r.logger.Info("playlist updated", zap.String("playlist", pl.Name), zap.Int("added", len(missing)))
	return res, nil
}

// StrictQuery builds the field-qualified catalog query.
func StrictQuery(title, artist string) string {
	return fmt.Sprintf("track:%s artist:%s", title, artist)
}

// RelaxedQuery builds the free-text fallback query.
func RelaxedQuery(title, artist string) string {
	return title + " " + artist
}

// resolvedURIs returns non-empty URIs in ledger order without duplicates.
func resolvedURIs(rows []pipeline.Record) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range rows {
		if rec.SpotifyURI == "" {
			continue
		}
		if _, dup := seen[rec.SpotifyURI]; dup {
			continue
		}
		seen[rec.SpotifyURI] = struct{}{}
		out = append(out, rec.SpotifyURI)
	}
	return out
}

func filterAccount(rows []pipeline.Record, account string) []pipeline.Record {
	if account == "" {
		return rows
	}
	var out []pipeline.Record
	for _, rec := range rows {
		if rec.Account == account {
			out = append(out, rec)
		}
	}
	return out
}
