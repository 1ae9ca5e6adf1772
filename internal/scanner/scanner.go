// Package scanner reconciles library folders on disk with the catalog. Each
// pass discovers audio files, diffs them against stored tracks, commits new
// and modified files in batches and removes tracks whose files are gone.
package scanner

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"legato/internal/access"
	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/internal/events"
	"legato/internal/metadata"
	"legato/internal/resolver"
)

// ErrAlreadyScanning is returned when a scan is requested while one runs.
var ErrAlreadyScanning = errors.New("scan already in progress")

// ScanResult summarizes one folder pass.
type ScanResult struct {
	ScanID      uuid.UUID     `json:"scanId"`
	FolderID    int64         `json:"folderId"`
	Added       int           `json:"added"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Removed     int           `json:"removed"`
	Skipped     int           `json:"skipped"`
	TrackCount  int           `json:"trackCount"`
	Accessible  bool          `json:"accessible"`
	Cancelled   bool          `json:"cancelled"`
	BatchErrors []error       `json:"-"`
	Duration    time.Duration `json:"duration"`
}

// Dependencies are the collaborators a Scanner writes through.
type Dependencies struct {
	DB        *database.Database
	Config    *config.Config
	Resolver  *resolver.Resolver
	Extractor metadata.Extractor
	// Access defaults to access.PathProvider.
	Access   access.Provider
	Notifier *events.Notifier
	Logger   *logrus.Logger
}

// Scanner runs folder scans. Only one scan runs at a time.
type Scanner struct {
	db        *database.Database
	cfg       *config.Config
	folders   *catalog.Folders
	tracks    *catalog.Tracks
	resolver  *resolver.Resolver
	extractor metadata.Extractor
	access    access.Provider
	notifier  *events.Notifier
	logger    *logrus.Logger

	scanning atomic.Bool

	// dirFS opens a resolved folder root for walking.
	dirFS func(root string) fs.FS

	// beforeCommit runs at the end of every batch transaction.
	beforeCommit func(tx *sql.Tx) error
}

// New creates a scanner. The extractor is bounded by the configured
// extraction timeout.
func New(deps Dependencies) *Scanner {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	provider := deps.Access
	if provider == nil {
		provider = access.PathProvider{}
	}
	return &Scanner{
		db:        deps.DB,
		cfg:       deps.Config,
		folders:   catalog.NewFolders(deps.DB),
		tracks:    catalog.NewTracks(deps.DB, deps.Notifier),
		resolver:  deps.Resolver,
		extractor: metadata.WithTimeout(deps.Extractor, deps.Config.ExtractionTimeout()),
		access:    provider,
		notifier:  deps.Notifier,
		logger:    logger,
		dirFS:     os.DirFS,
	}
}

// Scanning reports whether a scan is running.
func (s *Scanner) Scanning() bool {
	return s.scanning.Load()
}

// ScanFolder scans one folder.
func (s *Scanner) ScanFolder(ctx context.Context, folderID int64) (ScanResult, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return ScanResult{}, ErrAlreadyScanning
	}
	defer s.scanning.Store(false)
	return s.scanFolder(ctx, folderID)
}

// ScanAll scans every folder in turn. A failing folder does not stop the
// others; their errors are joined.
func (s *Scanner) ScanAll(ctx context.Context) ([]ScanResult, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrAlreadyScanning
	}
	defer s.scanning.Store(false)

	folders, err := s.folders.List(ctx)
	if err != nil {
		return nil, err
	}

	var results []ScanResult
	var errs []error
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.scanFolder(ctx, folder.ID)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("scan folder %s: %w", folder.Path, err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *Scanner) scanFolder(ctx context.Context, folderID int64) (ScanResult, error) {
	started := time.Now()
	result := ScanResult{ScanID: uuid.New(), FolderID: folderID}

	folder, err := s.folders.Get(ctx, folderID)
	if err != nil {
		return result, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"scan_id": result.ScanID.String(),
		"folder":  folder.Path,
	})

	found, accessible := s.discoverFolder(ctx, folder.ID, logger, s.access.Token(folder), folder.Bookmark)
	result.Accessible = accessible
	files := found.files

	known, err := s.tracks.KnownForFolder(ctx, folderID)
	if err != nil {
		return result, err
	}

	onDisk := make(map[string]bool, len(files))
	var pending []diskFile
	for _, f := range files {
		onDisk[f.path] = true
		if k, ok := known[f.path]; ok && f.modTime <= k.DateModified {
			result.Unchanged++
			continue
		}
		pending = append(pending, f)
	}
	var removed []int64
	if accessible {
		for path, k := range known {
			if !onDisk[path] && !found.covers(path) {
				removed = append(removed, k.ID)
			}
		}
	}

	size := s.cfg.Scanner.BatchSize
	if len(files) > s.cfg.Scanner.LargeFolderThreshold {
		size = s.cfg.Scanner.LargeBatchSize
	}
	size = max(1, size)

	// A started batch always runs to completion.
	batchCtx := context.WithoutCancel(ctx)
	for start := 0; start < len(pending); start += size {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		batch := pending[start:min(start+size, len(pending))]
		br, err := s.processBatch(batchCtx, folderID, batch)
		result.Added += br.added
		result.Updated += br.updated
		result.Unchanged += br.unchanged
		result.Skipped += br.skipped
		if err != nil {
			logger.WithError(err).WithField("files", len(batch)).Error("Batch failed and was rolled back")
			result.BatchErrors = append(result.BatchErrors, err)
			continue
		}
		if len(br.trackIDs) > 0 {
			s.notifier.Publish(events.Event{Kind: events.BatchCommitted, FolderID: folderID, TrackIDs: br.trackIDs})
		}
	}
	if result.Cancelled {
		// Removal needs a complete pass.
		removed = nil
	}

	err = s.db.WithWriteTx(batchCtx, func(tx *sql.Tx) error {
		if len(removed) > 0 {
			keys, err := deleteTracks(tx, removed)
			if err != nil {
				return err
			}
			if err := s.resolver.RecomputeDuplicates(tx, keys); err != nil {
				return err
			}
			if err := s.resolver.UpdateStatistics(tx); err != nil {
				return err
			}
		}
		count, err := s.folders.RefreshCountTx(tx, folderID, time.Now())
		result.TrackCount = count
		return err
	})
	if err != nil {
		return result, fmt.Errorf("finish folder scan: %w", err)
	}
	result.Removed = len(removed)
	result.Duration = time.Since(started)

	s.notifier.Publish(events.Event{Kind: events.ScanCompleted, FolderID: folderID, TrackIDs: removed})
	logger.WithFields(logrus.Fields{
		"added":     result.Added,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"removed":   result.Removed,
		"skipped":   result.Skipped,
		"failed":    len(result.BatchErrors),
		"duration":  result.Duration.String(),
	}).Info("Folder scan completed")

	if result.Cancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// discoverFolder resolves folder access and walks the root. An inaccessible
// folder yields no files and reports false so nothing gets removed.
func (s *Scanner) discoverFolder(ctx context.Context, folderID int64, logger *logrus.Entry, token access.Token, bookmark []byte) (discovery, bool) {
	root, err := token.Resolve()
	if err != nil {
		logger.WithError(err).Warn("Folder is not accessible, keeping its tracks")
		return discovery{}, false
	}
	if _, refreshed, err := token.Refresh(); err != nil {
		logger.WithError(err).Debug("Failed to refresh folder access")
	} else if !bytes.Equal(refreshed, bookmark) {
		if err := s.folders.UpdateBookmark(ctx, folderID, refreshed); err != nil {
			logger.WithError(err).Warn("Failed to store refreshed folder access")
		}
	}

	found, err := discover(s.dirFS(root), root, s.cfg.IsFormatSupported)
	if err != nil {
		logger.WithError(err).Warn("Failed to walk folder, keeping its tracks")
		return discovery{}, false
	}
	for _, dir := range found.unreadable {
		logger.WithField("directory", dir).Warn("Directory is not readable, keeping its tracks")
	}
	logger.WithField("files", len(found.files)).Debug("Discovered audio files")
	return found, true
}

// RemoveFolder deletes a folder and every track under it.
func (s *Scanner) RemoveFolder(ctx context.Context, folderID int64) error {
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		keys, err := s.folders.RemoveTx(tx, folderID)
		if err != nil {
			return err
		}
		if err := s.resolver.RecomputeDuplicates(tx, keys); err != nil {
			return err
		}
		return s.resolver.UpdateStatistics(tx)
	})
	if err != nil {
		return err
	}
	s.notifier.Publish(events.Event{Kind: events.FolderRemoved, FolderID: folderID})
	return nil
}

// deleteTracks removes tracks by id and returns their duplicate buckets.
func deleteTracks(tx *sql.Tx, ids []int64) ([]string, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		var key string
		err := tx.QueryRow("DELETE FROM tracks WHERE id = ? RETURNING dedup_artist", id).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("delete track %d: %w", id, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
