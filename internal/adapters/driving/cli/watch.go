package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/fetcher/file"
	"github.com/custodia-labs/sercha-kb/internal/logger"
)

var (
	watchDir      string
	watchExisting bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Ingest manifests dropped into the library inbox",
	Long: `Watches the library inbox directory and ingests every manifest
(*.toml) written into it. A rewritten manifest re-ingests the paper and
replaces its previous chunks.

Stop with Ctrl+C.`,
	Annotations: engineCommand(),
	Args:        cobra.NoArgs,
	RunE:        runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "directory to watch (default: <library>/inbox)")
	watchCmd.Flags().BoolVar(&watchExisting, "existing", true, "ingest manifests already in the directory")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if err := requireKB(); err != nil {
		return err
	}

	dir := watchDir
	if dir == "" {
		if library == nil {
			return errors.New("no library configured; pass --dir")
		}
		dir = library.InboxPath()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchExisting {
		if err := ingestExisting(ctx, cmd, dir); err != nil {
			return err
		}
	}

	cmd.Printf("Watching %s for manifests...\n", dir)
	return watchInbox(ctx, dir, func(path string) {
		ingestManifestFile(ctx, cmd, path)
	})
}

// watchInbox calls handle for every manifest created or written in dir
// until ctx is done.
func watchInbox(ctx context.Context, dir string, handle func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if path, ok := manifestEvent(event); ok {
				handle(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch: %v", err)
		}
	}
}

// manifestEvent reports whether event created or rewrote a manifest.
func manifestEvent(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return "", false
	}
	if !isManifest(event.Name) {
		return "", false
	}
	return event.Name, true
}

func isManifest(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && filepath.Ext(base) == file.ManifestExt
}

func ingestExisting(ctx context.Context, cmd *cobra.Command, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isManifest(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	for _, p := range paths {
		ingestManifestFile(ctx, cmd, p)
	}
	return nil
}

// ingestManifestFile ingests one manifest. Failures are reported and the
// watch continues; a partially written manifest is retried on its next write.
func ingestManifestFile(ctx context.Context, cmd *cobra.Command, path string) {
	fetched, err := readManifest(path)
	if err != nil {
		logger.Warn("skipping %s: %v", filepath.Base(path), err)
		return
	}

	result, err := kb.IngestText(ctx, fetched.Document, fetched.RawText)
	if err != nil {
		cmd.PrintErrf("Failed to ingest %s: %v\n", filepath.Base(path), err)
		return
	}
	printIngestResult(cmd, result)
}
