package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

func newRunsCmd() *cobra.Command {
	var serverURL, apiKey string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs tracked by a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://localhost:%d", e.cfg.Server.Port)
			}
			if apiKey == "" {
				apiKey = e.cfg.Auth.APIKey
			}
			runs, err := fetchRuns(cmd, serverURL, apiKey)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			fmt.Fprintln(out, renderRuns(runs, time.Now(), shouldColorize(out)))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default http://localhost:<server.port>)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default auth.api_key)")
	return cmd
}

func fetchRuns(cmd *cobra.Command, serverURL, apiKey string) ([]pipeline.Run, error) {
	var body struct {
		Runs []pipeline.Run `json:"runs"`
	}
	req := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(10 * time.Second).
		R().
		SetContext(cmd.Context()).
		SetResult(&body)
	if apiKey != "" {
		req.SetHeader("X-API-Key", apiKey)
	}
	resp, err := req.Get("/api/runs")
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list runs: server answered %s", resp.Status())
	}
	sort.SliceStable(body.Runs, func(i, j int) bool {
		return body.Runs[i].Submitted.After(body.Runs[j].Submitted)
	})
	return body.Runs, nil
}

func renderRuns(runs []pipeline.Run, now time.Time, colorize bool) string {
	headers := []string{"Run", "Account", "State", "Captured", "Recognized", "Matched", "Submitted", "Playlist"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.Params.Account,
			string(r.State),
			fmt.Sprintf("%d/%d", r.Counters.Captured, r.Limit),
			strconv.Itoa(r.Counters.Recognized),
			strconv.Itoa(r.Counters.Matched),
			humanize.RelTime(r.Submitted, now, "ago", "from now"),
			r.PlaylistURL,
		})
	}
	return renderTable(headers, rows, colorize, func(row []string) text.Colors {
		switch pipeline.State(row[2]) {
		case pipeline.StateDone:
			return text.Colors{text.FgGreen}
		case pipeline.StateErrored:
			return text.Colors{text.FgRed}
		default:
			return nil
		}
	})
}
