package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// sessionsCmd inspects kernels on the gateway
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage gateway kernel sessions",
	Long: `List and delete kernels on the configured gateway.

Subcommands:
  list     - List running kernels
  delete   - Delete kernels by id`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running kernels",
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <kernel-id>...",
	Short: "Delete kernels",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetControlTimeout())
	defer cancel()

	sessions, err := newClient(cfg).List(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No kernels running.")
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{s.ID, s.Name, s.ExecutionState, strconv.Itoa(s.Connections), s.LastActivity})
	}
	if err := writeTable(out, []string{"ID", "NAME", "STATE", "CONNECTIONS", "LAST ACTIVITY"}, rows, headerPaint); err != nil {
		return err
	}
	fmt.Fprintf(out, "Total: %d kernels\n", len(sessions))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	client := newClient(cfg)
	out := cmd.OutOrStdout()
	var failed int
	for _, id := range args {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetControlTimeout())
		err := client.Delete(ctx, id)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("✗"), id, err)
			continue
		}
		fmt.Fprintf(out, "%s %s deleted\n", okStyle.Render("✓"), id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(args))
	}
	return nil
}
