// Command devbenchctl is a read-only diagnostic client for a devbenchd
// deployment. It has no network transport of its own (the tool-RPC
// transport is supplied by whatever embeds the server) and instead
// opens the same state database a running devbenchd reads and writes,
// read-only, so it never contends with the server for the bbolt writer
// lock. That makes it a companion to devbenchd-migrate rather than a true
// RPC client: both tools talk to the database file directly.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvliesdonk/mcp-devbench/pkg/idempotency"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "devbenchctl",
	Short:   "Read-only diagnostics against a devbenchd state database",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devbenchctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("db", "/var/lib/devbench/devbench.db", "Path to the devbenchd state database")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listContainersCmd)
	rootCmd.AddCommand(listExecsCmd)
	rootCmd.AddCommand(newKeyCmd)
}

var newKeyCmd = &cobra.Command{
	Use:   "new-key",
	Short: "Generate a fresh idempotency key for a spawn or exec_start call",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := idempotency.NewKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Println(key)
		return nil
	},
}

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	path, _ := cmd.Flags().GetString("db")
	store, err := storage.NewBoltStoreReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return store, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize container and execution counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		containers, err := store.ListContainers(ctx)
		if err != nil {
			return fmt.Errorf("list containers: %w", err)
		}
		execs, err := store.ListExecs(ctx, "")
		if err != nil {
			return fmt.Errorf("list execs: %w", err)
		}

		byContainerStatus := map[types.ContainerState]int{}
		warmReady := 0
		for _, c := range containers {
			byContainerStatus[c.Status]++
			if c.Warm && c.Status == types.ContainerStateRunning {
				warmReady++
			}
		}
		byExecStatus := map[types.ExecStatus]int{}
		for _, e := range execs {
			byExecStatus[e.Status]++
		}

		fmt.Println("Containers:")
		for _, st := range []types.ContainerState{
			types.ContainerStateCreating, types.ContainerStateRunning,
			types.ContainerStateStopping, types.ContainerStateStopped, types.ContainerStateError,
		} {
			fmt.Printf("  %-10s %d\n", st, byContainerStatus[st])
		}
		fmt.Printf("  %-10s %d\n", "warm_ready", warmReady)

		fmt.Println("Executions:")
		for _, st := range []types.ExecStatus{
			types.ExecStatusQueued, types.ExecStatusRunning, types.ExecStatusCancelling,
			types.ExecStatusExited, types.ExecStatusTimedOut, types.ExecStatusCancelled, types.ExecStatusFailed,
		} {
			fmt.Printf("  %-10s %d\n", st, byExecStatus[st])
		}
		return nil
	},
}

var listContainersCmd = &cobra.Command{
	Use:   "list-containers",
	Short: "List containers known to the state store",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		containers, err := store.ListContainers(context.Background())
		if err != nil {
			return fmt.Errorf("list containers: %w", err)
		}
		if len(containers) == 0 {
			fmt.Println("No containers found")
			return nil
		}
		sort.Slice(containers, func(i, j int) bool { return containers[i].CreatedAt.Before(containers[j].CreatedAt) })

		fmt.Printf("%-24s %-14s %-9s %-30s %-10s %s\n", "ID", "ALIAS", "STATUS", "IMAGE", "PERSIST", "CREATED")
		for _, c := range containers {
			fmt.Printf("%-24s %-14s %-9s %-30s %-10t %s\n",
				truncate(c.ID, 24), truncate(c.Alias, 14), c.Status, truncate(c.ImageRef, 30),
				c.Persistent, c.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var listExecsCmd = &cobra.Command{
	Use:   "list-execs [container-id]",
	Short: "List executions, optionally scoped to one container",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		containerID := ""
		if len(args) == 1 {
			containerID = args[0]
		}
		execs, err := store.ListExecs(context.Background(), containerID)
		if err != nil {
			return fmt.Errorf("list execs: %w", err)
		}
		if len(execs) == 0 {
			fmt.Println("No executions found")
			return nil
		}
		sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })

		fmt.Printf("%-24s %-24s %-11s %-6s %s\n", "EXEC_ID", "CONTAINER_ID", "STATUS", "EXIT", "ARGV")
		for _, e := range execs {
			exit := "-"
			if e.ExitCode != nil {
				exit = fmt.Sprintf("%d", *e.ExitCode)
			}
			fmt.Printf("%-24s %-24s %-11s %-6s %v\n",
				truncate(e.ExecID, 24), truncate(e.ContainerID, 24), e.Status, exit, e.Argv)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
