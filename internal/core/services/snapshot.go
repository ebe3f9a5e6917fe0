package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/logger"
)

// Files written by Snapshot.
const (
	SnapshotIndexFile    = "vectors.idx"
	SnapshotMetadataFile = "metadata.db"
	SnapshotManifestFile = "manifest.toml"
)

const manifestVersion = 1

// snapshotManifest ties the two halves of a snapshot together.
type snapshotManifest struct {
	Version    int               `toml:"version"`
	Generation uint64            `toml:"generation"`
	Dimension  int               `toml:"dimension"`
	Metric     string            `toml:"metric"`
	CreatedAt  time.Time         `toml:"created_at"`
	Documents  int               `toml:"documents"`
	Chunks     int               `toml:"chunks"`
	Checksums  map[string]string `toml:"checksums"`
}

// Snapshot writes the vector index, the metadata store and a manifest to dir.
// Writers are paused for the duration so both halves describe the same state.
func (e *Engine) Snapshot(ctx context.Context, dir string) error {
	e.maint.Lock()
	defer e.maint.Unlock()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating snapshot directory: %w", domain.ErrPersistence, err)
	}

	// A stale manifest must never vouch for new files.
	manifestPath := filepath.Join(dir, SnapshotManifestFile)
	if err := os.Remove(manifestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing old manifest: %w", domain.ErrPersistence, err)
	}

	gen, err := e.index.Save(filepath.Join(dir, SnapshotIndexFile))
	if err != nil {
		return fmt.Errorf("saving vector index: %w", err)
	}
	if err := e.meta.Save(ctx, filepath.Join(dir, SnapshotMetadataFile)); err != nil {
		return fmt.Errorf("%w: saving metadata: %w", domain.ErrPersistence, err)
	}

	docs, chunks, err := e.meta.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting metadata: %w", err)
	}

	m := snapshotManifest{
		Version:    manifestVersion,
		Generation: gen,
		Dimension:  e.cfg.Dimension,
		Metric:     e.cfg.Metric.String(),
		CreatedAt:  e.now().UTC().Truncate(time.Second),
		Documents:  docs,
		Chunks:     chunks,
		Checksums:  make(map[string]string, 2),
	}
	for _, name := range []string{SnapshotIndexFile, SnapshotMetadataFile} {
		sum, err := fileChecksum(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		m.Checksums[name] = sum
	}

	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmp := manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("%w: writing manifest: %w", domain.ErrPersistence, err)
	}
	if err := os.Rename(tmp, manifestPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: writing manifest: %w", domain.ErrPersistence, err)
	}

	logger.Info("Snapshot written to %s at generation %d", dir, gen)
	return nil
}

// Restore replaces the live stores with the snapshot in dir.
// Returns domain.ErrIncompleteSnapshot unless the manifest and both files
// are present and match. On failure the live stores are unchanged.
func (e *Engine) Restore(ctx context.Context, dir string) error {
	e.maint.Lock()
	defer e.maint.Unlock()

	m, err := readManifest(dir)
	if err != nil {
		return err
	}
	if m.Dimension != e.cfg.Dimension {
		return fmt.Errorf("%w: snapshot has dimension %d, configured %d",
			domain.ErrDimensionMismatch, m.Dimension, e.cfg.Dimension)
	}
	if domain.Metric(m.Metric) != e.cfg.Metric {
		return fmt.Errorf("%w: snapshot uses %s, configured %s",
			domain.ErrMetricMismatch, m.Metric, e.cfg.Metric)
	}

	// The data directory copy is what a failed restore falls back to.
	if err := e.persistIndex(ctx); err != nil {
		return err
	}

	if err := e.index.Load(filepath.Join(dir, SnapshotIndexFile)); err != nil {
		return fmt.Errorf("loading snapshot index: %w", err)
	}
	if err := e.meta.Restore(ctx, filepath.Join(dir, SnapshotMetadataFile)); err != nil {
		if lerr := e.index.Load(e.indexPath()); lerr != nil {
			logger.Error("Failed to reload vector index after aborted restore: %v", lerr)
		}
		return fmt.Errorf("restoring metadata: %w", err)
	}

	if err := e.reconcile(ctx); err != nil {
		return err
	}

	logger.Info("Restored snapshot from %s (generation %d, %d documents)", dir, m.Generation, m.Documents)
	return nil
}

// readManifest loads and verifies a snapshot manifest.
func readManifest(dir string) (*snapshotManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no manifest in %s", domain.ErrIncompleteSnapshot, dir)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m snapshotManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest: %w", domain.ErrCorruptSnapshot, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", domain.ErrCorruptSnapshot, m.Version)
	}

	for _, name := range []string{SnapshotIndexFile, SnapshotMetadataFile} {
		want, ok := m.Checksums[name]
		if !ok {
			return nil, fmt.Errorf("%w: manifest lists no checksum for %s", domain.ErrIncompleteSnapshot, name)
		}
		got, err := fileChecksum(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s is missing", domain.ErrIncompleteSnapshot, name)
			}
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("%w: %s does not match its manifest", domain.ErrIncompleteSnapshot, name)
		}
	}
	return &m, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
