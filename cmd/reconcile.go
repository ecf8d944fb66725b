package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ig2spotify/internal/server"
)

func newReconcileCmd() *cobra.Command {
	var account, playlist string
	var sync bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve unresolved ledger matches and optionally sync playlists",
		Long: `reconcile searches the catalog for every SUCCESS row without a spotify_uri,
across all runs. With --sync it also adds each account's resolved tracks to
its playlist. Without --account every account in the ledger is processed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			rec, release, err := server.OpenReconciler(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			res, err := rec.ResolveUnresolved(cmd.Context(), account)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "resolved %d of %d unresolved matches (%d failed)\n", res.Resolved, res.Considered, res.Failed)
			if !sync {
				return nil
			}
			if account == "" {
				return errors.New("--sync needs --account")
			}
			if playlist == "" {
				playlist = e.cfg.Worker.DefaultPlaylist
			}
			sr, err := rec.SyncAccount(cmd.Context(), account, playlist)
			if err != nil {
				return fmt.Errorf("sync playlist: %w", err)
			}
			fmt.Fprintf(out, "added %d tracks to %s (%d already present)\n", len(sr.Added), sr.Playlist.URL, sr.Existing)
			return nil
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "limit to one account")
	cmd.Flags().BoolVar(&sync, "sync", false, "also sync the account's playlist")
	cmd.Flags().StringVarP(&playlist, "playlist", "p", "", "playlist name for --sync")
	return cmd
}
