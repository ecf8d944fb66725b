package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/server"
)

type ledgerFilter struct {
	account string
	runID   string
	status  string
	limit   int
}

func newLedgerCmd() *cobra.Command {
	var f ledgerFilter
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show recognition ledger rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			l, release, err := server.OpenLedger(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			rows, err := l.ReadAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("read ledger: %w", err)
			}
			rows, err = f.apply(rows)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "no ledger rows")
				return nil
			}
			fmt.Fprintln(out, renderLedger(rows, shouldColorize(out)))
			fmt.Fprintf(out, "%d rows\n", len(rows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.account, "account", "a", "", "only rows for this account")
	cmd.Flags().StringVar(&f.runID, "run", "", "only rows written by this run")
	cmd.Flags().StringVar(&f.status, "status", "", "only rows with this status (success, no_match, ...)")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "show only the last N rows")
	return cmd
}

func (f ledgerFilter) apply(rows []pipeline.Record) ([]pipeline.Record, error) {
	var status pipeline.Status
	if f.status != "" {
		s, err := pipeline.ParseStatus(strings.ToUpper(f.status))
		if err != nil {
			return nil, err
		}
		status = s
	}
	out := rows[:0:0]
	for _, rec := range rows {
		if f.account != "" && rec.Account != strings.TrimPrefix(f.account, "@") {
			continue
		}
		if f.runID != "" && rec.RunID != f.runID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	if f.limit > 0 && len(out) > f.limit {
		out = out[len(out)-f.limit:]
	}
	return out, nil
}

func renderLedger(rows []pipeline.Record, colorize bool) string {
	headers := []string{"Timestamp", "File", "Title", "Artist", "Status", "Spotify URI", "Account"}
	body := make([][]string, 0, len(rows))
	for _, rec := range rows {
		body = append(body, []string{
			rec.Timestamp,
			rec.FileName,
			rec.Title,
			rec.Artist,
			string(rec.Status),
			rec.SpotifyURI,
			rec.Account,
		})
	}
	return renderTable(headers, body, colorize, func(row []string) text.Colors {
		switch pipeline.Status(row[4]) {
		case pipeline.StatusSuccess:
			if row[5] == "" {
				return text.Colors{text.FgYellow}
			}
			return text.Colors{text.FgGreen}
		case pipeline.StatusRecognitionFailed, pipeline.StatusPreprocessFailed:
			return text.Colors{text.FgRed}
		default:
			return nil
		}
	})
}
