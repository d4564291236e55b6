package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"docforge/internal/ledger"
)

var (
	historyUser    string
	historyChat    string
	historyOutcome string
	historyLimit   int
	historyStats   bool
)

// historyCmd shows recorded runs
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs from the ledger",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyUser, "user", "", "Only runs for this user")
	historyCmd.Flags().StringVar(&historyChat, "chat", "", "Only runs for this conversation")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Only runs with this outcome (ok, failed, indeterminate)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to show")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "Show aggregate counts instead of individual runs")
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !cfg.Ledger.Enabled {
		fmt.Fprintln(out, "Ledger is disabled. Set ledger.enabled in the config or DOCFORGE_LEDGER.")
		return nil
	}

	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer l.Close()

	filter := ledger.Filter{
		UserID:         historyUser,
		ConversationID: historyChat,
		Outcome:        historyOutcome,
		Limit:          historyLimit,
	}
	if historyStats {
		st, err := l.Stats(cmd.Context(), filter)
		if err != nil {
			return err
		}
		printStats(out, st)
		return nil
	}

	entries, err := l.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := e.ArtifactName
		if e.Outcome != "ok" {
			detail = e.ErrorKind
		}
		rows = append(rows, []string{
			e.StartedAt.Local().Format(time.DateTime), e.UserID + "/" + e.ConversationID, e.Format,
			e.Outcome, e.Duration.Round(time.Millisecond).String(), detail,
		})
	}
	return writeTable(out, []string{"STARTED", "USER/CHAT", "FORMAT", "OUTCOME", "DURATION", "DETAIL"}, rows,
		func(row, col int, cell string) string {
			if row >= 0 && col == 3 {
				return outcomeStyle(cell).Render(cell)
			}
			return headerPaint(row, col, cell)
		})
}

func printStats(w io.Writer, st ledger.Stats) {
	fmt.Fprintf(w, "%s %d runs, %v total\n", headerStyle.Render("Runs:"), st.Total, st.TotalDuration.Round(time.Millisecond))
	for _, group := range []struct {
		title  string
		counts map[string]int
	}{
		{"By outcome", st.ByOutcome},
		{"By format", st.ByFormat},
		{"By error", st.ByErrorKind},
	} {
		if len(group.counts) == 0 {
			continue
		}
		fmt.Fprintln(w, headerStyle.Render(group.title))
		keys := make([]string, 0, len(group.counts))
		for k := range group.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-24s %d\n", k, group.counts[k])
		}
	}
}
