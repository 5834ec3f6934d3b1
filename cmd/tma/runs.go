package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soma-tiles/tma/internal/resultstore"
)

var (
	runsFormat string
	runsLimit  int
	pruneDays  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage stored analysis runs",
	Long: `List, show, delete and prune the neighborhood analysis runs kept in the run store.

Examples:
  tma runs list
  tma runs show <run-id>
  tma runs delete <run-id>
  tma runs prune --days 7`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Long: `List recent runs, newest first.

Examples:
  tma runs list
  tma runs list --limit 50 --format json`,
	RunE: withApp(runRunsList),
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Long: `Show the parameters, diagnostics and status of a run.

Examples:
  tma runs show 3f0c2b9e-...`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runRunsShow),
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run and its result tables",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runRunsDelete),
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs older than the retention period",
	Long: `Delete finished runs whose finish time is older than the retention period.

Examples:
  tma runs prune
  tma runs prune --days 7`,
	RunE: withApp(runRunsPrune),
}

func init() {
	runsListCmd.Flags().StringVar(&runsFormat, "format", "human", "Output format (json, human)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to return")
	runsShowCmd.Flags().StringVar(&runsFormat, "format", "human", "Output format (json, human)")
	runsPruneCmd.Flags().IntVar(&pruneDays, "days", 0, "Retention in days (default: from config)")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsPruneCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, a *app, args []string) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runsLimit)
	if err != nil {
		return err
	}
	if runsFormat == "json" {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	fmt.Printf("%-36s  %-10s  %-20s  %6s  %8s\n", "RUN ID", "STATUS", "CREATED", "SPOTS", "PERMS")
	for _, r := range runs {
		fmt.Printf("%-36s  %-10s  %-20s  %6d  %8d\n",
			r.ID, r.Status, r.CreatedAt.Local().Format(time.DateTime), r.Diagnostics.Spots, r.Params.Permutations)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, a *app, args []string) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}
	if runsFormat == "json" {
		return printJSON(run)
	}
	printRun(run)
	return nil
}

func printRun(r *resultstore.Run) {
	fmt.Printf("Run:          %s\n", r.ID)
	fmt.Printf("Status:       %s\n", r.Status)
	if r.Error != "" {
		fmt.Printf("Error:        %s\n", r.Error)
	}
	fmt.Printf("Input:        %s\n", r.Params.Input)
	if len(r.Params.Stages) > 0 {
		fmt.Printf("Stages:       %s\n", strings.Join(r.Params.Stages, ", "))
	}
	fmt.Printf("Columns:      spot=%s cluster=%s\n", r.Params.SpotColumn, r.Params.ClusterColumn)
	fmt.Printf("Permutations: %d\n", r.Params.Permutations)
	if r.Params.Seed != nil {
		fmt.Printf("Seed:         %d\n", *r.Params.Seed)
	} else {
		fmt.Printf("Seed:         (time based)\n")
	}
	fmt.Printf("Created:      %s\n", r.CreatedAt.Local().Format(time.DateTime))
	if r.StartedAt != nil && r.FinishedAt != nil {
		fmt.Printf("Duration:     %s\n", r.FinishedAt.Sub(*r.StartedAt))
	}
	d := r.Diagnostics
	fmt.Printf("Spots: %d, clusters: %d, cells: %d, empty neighbor sets: %d, unmatched identifiers: %d\n",
		d.Spots, d.Clusters, d.Cells, d.EmptyNeighborSets, d.UnmatchedIdentifiers)
}

func runRunsDelete(cmd *cobra.Command, a *app, args []string) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteRun(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", args[0])
	return nil
}

func runRunsPrune(cmd *cobra.Command, a *app, args []string) error {
	days := a.cfg.Store.RetentionDays
	if cmd.Flags().Changed("days") {
		days = pruneDays
	}
	if days <= 0 {
		return fmt.Errorf("retention must be positive, got %d days", days)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteExpiredRuns(days)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d runs older than %d days\n", n, days)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sortedCounts returns the keys of counts, largest count first.
func sortedCounts(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func displayCluster(name string) string {
	if name == "" {
		return "(ungated)"
	}
	return name
}
