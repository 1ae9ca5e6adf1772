// Package library assembles the catalog components into one engine with an
// explicit Open/Close lifecycle.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"legato/internal/access"
	"legato/internal/cache"
	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/internal/events"
	"legato/internal/logging"
	"legato/internal/metadata"
	"legato/internal/pinned"
	"legato/internal/playlist"
	"legato/internal/query"
	"legato/internal/resolver"
	"legato/internal/scanner"
	"legato/internal/search"
	"legato/pkg/models"
)

const (
	trackCacheSize = 2048
	trackCacheTTL  = 10 * time.Minute
)

// Options replace default collaborators. The zero value uses the tag
// extractor, path-based folder access and a logger built from the config.
type Options struct {
	Extractor metadata.Extractor
	Access    access.Provider
	Logger    *logrus.Logger
}

// Engine owns the catalog store and every component reading or writing it.
type Engine struct {
	cfg       *config.Config
	logger    *logrus.Logger
	logCloser io.Closer

	db       *database.Database
	prefs    *config.Preferences
	notifier *events.Notifier
	cache    *cache.TrackCache
	resolver *resolver.Resolver

	folders   *catalog.Folders
	tracks    *catalog.Tracks
	scanner   *scanner.Scanner
	watcher   *scanner.Watcher
	search    *search.Index
	query     *query.Engine
	playlists *playlist.Store
	pins      *pinned.Store

	unsubscribe func()
}

// Open migrates the store and wires the engine. Any migration or backfill
// failure closes the store and is returned.
func Open(ctx context.Context, cfg *config.Config, opts Options) (e *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logCloser io.Closer = nopCloser{}
	logger := opts.Logger
	if logger == nil {
		logger, logCloser, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	db, err := database.NewDatabase(cfg.Database.Path, logger,
		database.WithBusyTimeout(time.Duration(cfg.Database.BusyTimeoutMS)*time.Millisecond))
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
			logCloser.Close()
		}
	}()

	prefs, err := config.LoadPreferences(cfg.Preferences.Path)
	if err != nil {
		return nil, err
	}

	extractor := opts.Extractor
	if extractor == nil {
		extractor = metadata.NewTagExtractor(logger)
	}

	e = &Engine{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		db:        db,
		prefs:     prefs,
		notifier:  events.NewNotifier(),
		cache:     cache.NewTrackCache(trackCacheSize, trackCacheTTL),
		resolver: resolver.New(cfg.Library.ArtistSplitExceptions, resolver.DuplicateOptions{
			Enabled:           cfg.Duplicates.Enabled,
			DurationTolerance: cfg.Duplicates.DurationTolerance,
			TitleSimilarity:   cfg.Duplicates.TitleSimilarity,
		}, logger),
		folders: catalog.NewFolders(db),
	}
	e.tracks = catalog.NewTracks(db, e.notifier)
	e.search = search.New(db, prefs, logger, cfg.Search.ResultLimit)
	e.query = query.New(db, prefs, e.cache, logger)
	e.playlists = playlist.NewStore(db, prefs, e.notifier, logger)
	e.pins = pinned.NewStore(db)
	e.scanner = scanner.New(scanner.Dependencies{
		DB:        db,
		Config:    cfg,
		Resolver:  e.resolver,
		Extractor: extractor,
		Access:    opts.Access,
		Notifier:  e.notifier,
		Logger:    logger,
	})
	e.unsubscribe = e.notifier.Subscribe(e.invalidate)

	if err := e.backfill(ctx); err != nil {
		e.playlists.Close()
		e.unsubscribe()
		return nil, err
	}

	if cfg.Watcher.Enabled {
		w, err := scanner.NewWatcher(e.scanner, cfg.WatcherDebounce(), cfg.Watcher.RescansPerMinute)
		if err != nil {
			logger.WithError(err).Warn("Could not start file watcher")
		} else {
			e.watcher = w
			if err := w.WatchAll(ctx); err != nil {
				logger.WithError(err).Warn("Could not watch library folders")
			}
		}
	}

	logger.WithField("db_path", cfg.Database.Path).Info("Library engine opened")
	return e, nil
}

// backfill brings rows written by older versions up to date and ensures the
// built-in playlists exist.
func (e *Engine) backfill(ctx context.Context) error {
	var filled int
	err := e.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		filled, err = e.resolver.BackfillDedupKeys(tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("backfill duplicate keys: %w", err)
	}
	if filled > 0 {
		e.logger.WithField("tracks", filled).Info("Backfilled duplicate keys")
	}
	if err := e.search.Populate(ctx); err != nil {
		return fmt.Errorf("populate search index: %w", err)
	}
	if err := e.playlists.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("create built-in playlists: %w", err)
	}
	return nil
}

// invalidate drops cached tracks an event reports as changed.
func (e *Engine) invalidate(ev events.Event) {
	switch {
	case ev.Kind == events.FolderRemoved:
		e.cache.Purge()
	case len(ev.TrackIDs) > 0:
		e.cache.Invalidate(ev.TrackIDs...)
	}
}

// Close stops the watcher, saves preferences and closes the store.
func (e *Engine) Close() error {
	var errs []error
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
	}
	e.playlists.Close()
	e.unsubscribe()
	if err := e.prefs.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := e.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := e.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AddFolder registers a library root and starts watching it.
func (e *Engine) AddFolder(ctx context.Context, path string, bookmark []byte) (models.Folder, error) {
	folder, err := e.folders.Add(ctx, path, bookmark)
	if err != nil {
		return models.Folder{}, err
	}
	if e.watcher != nil {
		if err := e.watcher.Watch(folder); err != nil {
			e.logger.WithError(err).WithField("folder", folder.Path).Warn("Could not watch folder")
		}
	}
	return folder, nil
}

// AddConfiguredFolders registers every folder listed in the config.
func (e *Engine) AddConfiguredFolders(ctx context.Context) ([]models.Folder, error) {
	folders := make([]models.Folder, 0, len(e.cfg.Library.Folders))
	for _, path := range e.cfg.Library.Folders {
		folder, err := e.AddFolder(ctx, path, nil)
		if err != nil {
			return folders, fmt.Errorf("add folder %s: %w", path, err)
		}
		folders = append(folders, folder)
	}
	return folders, nil
}

// RemoveFolder stops watching a folder and deletes it with its tracks.
func (e *Engine) RemoveFolder(ctx context.Context, id int64) error {
	if e.watcher != nil {
		e.watcher.Unwatch(id)
	}
	return e.scanner.RemoveFolder(ctx, id)
}

// Scan scans every folder.
func (e *Engine) Scan(ctx context.Context) ([]scanner.ScanResult, error) {
	return e.scanner.ScanAll(ctx)
}

// ScanFolder scans one folder.
func (e *Engine) ScanFolder(ctx context.Context, id int64) (scanner.ScanResult, error) {
	return e.scanner.ScanFolder(ctx, id)
}

// Search returns tracks ranked for text, up to the configured limit.
func (e *Engine) Search(ctx context.Context, text string) []models.Track {
	return e.search.Search(ctx, text, 0)
}

// RecomputeDuplicates regroups every duplicate bucket and refreshes
// statistics.
func (e *Engine) RecomputeDuplicates(ctx context.Context) error {
	err := e.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if err := e.resolver.RecomputeAllDuplicates(tx); err != nil {
			return err
		}
		return e.resolver.UpdateStatistics(tx)
	})
	if err != nil {
		return err
	}
	e.cache.Purge()
	e.notifier.Publish(events.Event{Kind: events.BatchCommitted})
	return nil
}

// SetHideDuplicates changes whether non-canonical duplicates are listed.
func (e *Engine) SetHideDuplicates(hide bool) {
	e.prefs.SetHideDuplicates(hide)
}

// Artwork returns stored image bytes and their MIME type.
func (e *Engine) Artwork(id string) ([]byte, string, error) {
	return resolver.Artwork(e.db.Conn(), id)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *logrus.Logger { return e.logger }

// Events returns the library change notifier.
func (e *Engine) Events() *events.Notifier { return e.notifier }

// Preferences returns the live user preferences.
func (e *Engine) Preferences() *config.Preferences { return e.prefs }

// Folders returns the folder repository.
func (e *Engine) Folders() *catalog.Folders { return e.folders }

// Tracks returns the track repository for property mutations.
func (e *Engine) Tracks() *catalog.Tracks { return e.tracks }

// Query returns the browse and filter engine.
func (e *Engine) Query() *query.Engine { return e.query }

// SearchIndex returns the full-text index.
func (e *Engine) SearchIndex() *search.Index { return e.search }

// Playlists returns the playlist store.
func (e *Engine) Playlists() *playlist.Store { return e.playlists }

// Pins returns the pinned-item store.
func (e *Engine) Pins() *pinned.Store { return e.pins }

// Scanner returns the folder scanner.
func (e *Engine) Scanner() *scanner.Scanner { return e.scanner }
