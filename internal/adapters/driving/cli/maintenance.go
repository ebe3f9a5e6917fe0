package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:         "remove [doc-id]",
	Short:       "Remove a paper and its chunks",
	Annotations: engineCommand(),
	Args:        cobra.ExactArgs(1),
	RunE:        runRemove,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim index slots held by removed chunks",
	Long: `Rebuilds the vector index without tombstones. Searches keep running
during compaction; ingestion waits for it to finish.`,
	Annotations: engineCommand(),
	Args:        cobra.NoArgs,
	RunE:        runCompact,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [dir]",
	Short: "Write a consistent backup of the knowledge base",
	Long: `Writes the vector index, the metadata database and a checksum manifest
into dir. The directory is created if needed.`,
	Annotations: engineCommand(),
	Args:        cobra.ExactArgs(1),
	RunE:        runSnapshot,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [dir]",
	Short: "Replace the knowledge base with a snapshot",
	Long: `Replaces the live index and metadata with a snapshot written by
'sercha-kb snapshot'. Incomplete or corrupt snapshots are rejected and the
live knowledge base is left untouched.`,
	Annotations: engineCommand(),
	Args:        cobra.ExactArgs(1),
	RunE:        runRestore,
}

func init() {
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	if err := requireMaintenance(); err != nil {
		return err
	}
	if err := maintenance.Remove(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("remove failed: %w", err)
	}
	cmd.Printf("Removed %s\n", args[0])
	return nil
}

func runCompact(cmd *cobra.Command, _ []string) error {
	if err := requireMaintenance(); err != nil {
		return err
	}
	reclaimed, err := maintenance.Compact(cmd.Context())
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	cmd.Printf("Compacted index, reclaimed %d slots\n", reclaimed)
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	if err := requireMaintenance(); err != nil {
		return err
	}
	if err := maintenance.Snapshot(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	cmd.Printf("Snapshot written to %s\n", args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	if err := requireMaintenance(); err != nil {
		return err
	}
	if err := maintenance.Restore(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	cmd.Printf("Restored knowledge base from %s\n", args[0])
	return nil
}
