package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/veymar/trackgate/cache"
	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/library"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/must"
	"github.com/veymar/trackgate/provider"
	"github.com/veymar/trackgate/ptr"
	"github.com/veymar/trackgate/quality"
)

const (
	backupSuffix = ".backup"
	partSuffix   = ".part"

	// waitPollInterval paces concurrent callers polling an in-flight
	// attempt's record until it turns terminal.
	waitPollInterval = 250 * time.Millisecond
)

// PlaylistNotifier is informed after each successful acquisition. It is
// resolved lazily through a lookup function to break the circular
// dependency between the playlist layer and this engine.
type PlaylistNotifier interface {
	PlaylistForTrack(trackKey string) (playlistID string, ok bool)
	TrackAcquired(playlistID string, song *meta.Song, path string)
}

// Deps are the collaborators the orchestrator drives. Store and Rescan
// are required in permanent storage mode only; Playlist may be nil or
// return nil until the notifier is wired.
type Deps struct {
	Registry *provider.Registry
	Meta     meta.Service
	Store    library.MappingStore
	Rescan   library.Rescanner
	Resolver *library.Resolver
	Cache    *cache.Cache
	HTTP     *http.Client
	Playlist func() PlaylistNotifier
}

type Orchestrator struct {
	logger  zerolog.Logger
	storage config.Storage
	conf    config.Download
	deps    Deps

	locks *keyLocks

	recordsMux sync.Mutex
	records    map[string]*Record

	sweepsMux sync.Mutex
	sweeps    map[string]struct{}
}

func New(logger zerolog.Logger, storage config.Storage, conf config.Download, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger:  logger,
		storage: storage,
		conf:    conf,
		deps:    deps,
		locks:   newKeyLocks(),
		records: make(map[string]*Record),
		sweeps:  make(map[string]struct{}),
	}
}

func (o *Orchestrator) permanentMode() bool {
	return o.storage.Mode == config.StorageModePermanent
}

// GetStatus returns a copy of the latest attempt's record for a track
// key, or nil if no attempt was ever made.
func (o *Orchestrator) GetStatus(trackKey string) *Record {
	o.recordsMux.Lock()
	defer o.recordsMux.Unlock()

	if rec, ok := o.records[trackKey]; ok {
		return rec.clone()
	}

	return nil
}

// LookupExistingPath reports the on-disk location of a previously
// completed download without touching the network.
func (o *Orchestrator) LookupExistingPath(providerName, externalID string) (string, bool) {
	ref := meta.TrackRef{Provider: providerName, ID: externalID}

	if o.permanentMode() {
		m, err := o.deps.Store.Lookup(ref)
		if nil != err {
			o.logger.Warn().Err(err).Str("key", ref.Key()).Msg("Failed to look up download mapping")

			return "", false
		}

		if nil != m && fileExists(m.Path) {
			return m.Path, true
		}

		return "", false
	}

	if entry, ok := o.deps.Cache.Paths.Peek(ref.Key()); ok && entry.Found() && fileExists(entry.Path) {
		return entry.Path, true
	}

	return "", false
}

// Acquire returns the local path of the track, fetching it from the
// backend when the library has no acceptable copy. Concurrent calls for
// the same track share one fetch; an upgrade attempt keeps a backup of
// the existing file and restores it on failure.
func (o *Orchestrator) Acquire(ctx context.Context, providerName, externalID string) (string, error) {
	client, err := o.deps.Registry.Get(providerName)
	if nil != err {
		return "", err
	}

	ref := meta.TrackRef{Provider: providerName, ID: externalID}
	key := ref.Key()
	logger := o.logger.With().Dict("track", ref.ToDict()).Logger()

	// The key lock closes the race between the existence check and the
	// in-progress registration across concurrent callers.
	unlock := o.locks.Lock(key)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	var rec *Record
	if o.permanentMode() {
		existingPath, existingQuality, ok, err := o.registeredFile(ref)
		if nil != err {
			return "", err
		}

		if ok {
			if !o.conf.AutoUpgrade || !quality.ShouldUpgrade(existingQuality, client.TargetQuality()) {
				logger.Debug().Str("path", existingPath).Msg("Serving existing download")

				return existingPath, nil
			}

			rec, err = o.beginUpgrade(logger, ref, existingPath)
			if nil != err {
				return "", err
			}
		}
	} else {
		path, err := o.cachedFile(ctx, logger, ref)
		if nil != err {
			return "", err
		}

		if path != "" {
			refreshAccessTime(logger, path)

			return path, nil
		}
	}

	if inflight := o.GetStatus(key); nil != inflight && inflight.Status == StatusInProgress &&
		(nil == rec || inflight.ID != rec.ID) {
		unlock()
		locked = false

		return o.awaitRecord(ctx, key)
	}

	if nil == rec {
		rec = o.newRecord(ref, nil)
	}

	// The attempt is registered; waiters find it through the records
	// map, so the key lock is not held across the network fetch.
	unlock()
	locked = false

	path, err := o.runFetch(ctx, logger, client, rec)
	if nil != err {
		o.failRecord(logger, rec, err)

		return "", err
	}

	return path, nil
}

// registeredFile reports the mapping-store entry for a track when its
// file still exists on disk.
func (o *Orchestrator) registeredFile(ref meta.TrackRef) (path, fileQuality string, ok bool, err error) {
	m, err := o.deps.Store.Lookup(ref)
	if nil != err {
		return "", "", false, fmt.Errorf("failed to look up download mapping: %v", err)
	}

	if nil == m || !fileExists(m.Path) {
		return "", "", false, nil
	}

	return m.Path, m.Quality, true, nil
}

// cachedFile resolves an on-disk file for a track under the cache root,
// memoized through the path cache so a burst of callers runs the
// metadata lookup once.
func (o *Orchestrator) cachedFile(ctx context.Context, logger zerolog.Logger, ref meta.TrackRef) (string, error) {
	entry, err := o.deps.Cache.Paths.Fetch(ref.Key(), func() (string, error) {
		song, err := o.deps.Meta.GetSong(ctx, logger, ref)
		if nil != err {
			return "", err
		}

		path, ok, err := o.deps.Resolver.ExistingTrackPath(song)
		if nil != err {
			return "", err
		}

		return lo.Ternary(ok, path, ""), nil
	})
	if nil != err {
		return "", fmt.Errorf("failed to resolve cached track path: %w", err)
	}

	return entry.Path, nil
}

// beginUpgrade renames the existing file aside and registers the
// in-progress record carrying the backup path.
func (o *Orchestrator) beginUpgrade(logger zerolog.Logger, ref meta.TrackRef, existingPath string) (*Record, error) {
	backupPath := existingPath + backupSuffix
	if err := os.Rename(existingPath, backupPath); nil != err {
		return nil, fmt.Errorf("failed to move existing file to backup: %v", err)
	}

	logger.
		Info().
		Str("path", existingPath).
		Str("backup_path", backupPath).
		Msg("Beginning quality upgrade")

	return o.newRecord(ref, &backupPath), nil
}

func (o *Orchestrator) newRecord(ref meta.TrackRef, backupPath *string) *Record {
	rec := &Record{ //nolint:exhaustruct
		ID:         uuid.NewString(),
		Ref:        ref,
		Status:     StatusInProgress,
		BackupPath: backupPath,
		StartedAt:  time.Now(),
	}

	o.recordsMux.Lock()
	defer o.recordsMux.Unlock()
	o.records[ref.Key()] = rec

	return rec
}

// awaitRecord polls an in-flight attempt's record until terminal and
// shares its outcome.
func (o *Orchestrator) awaitRecord(ctx context.Context, key string) (string, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		rec := o.GetStatus(key)
		if nil == rec {
			return "", fmt.Errorf("in-flight download attempt for %s vanished", key)
		}

		switch rec.Status {
		case StatusCompleted:
			return *rec.LocalPath, nil
		case StatusFailed:
			if nil != rec.Cause {
				return "", fmt.Errorf("concurrent download attempt failed: %w", rec.Cause)
			}

			return "", errors.New("concurrent download attempt failed")
		case StatusNotStarted, StatusInProgress:
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// runFetch resolves metadata, streams the track to a part file, moves
// it into its final location, and completes the record with all the
// post-success bookkeeping.
func (o *Orchestrator) runFetch(
	ctx context.Context,
	logger zerolog.Logger,
	client provider.Client,
	rec *Record,
) (string, error) {
	song, err := o.resolveSong(ctx, logger, client, rec.Ref)
	if nil != err {
		return "", err
	}

	partPath := filepath.Join(o.deps.Resolver.Root(), "."+rec.ID+partSuffix)
	delivery, err := o.fetchToPart(ctx, logger, client, song, partPath)
	if nil != err {
		return "", err
	}

	finalPath, err := o.deps.Resolver.TrackPath(song, delivery.Ext)
	if nil != err {
		removePart(logger, partPath)

		return "", err
	}
	defer o.deps.Resolver.Release(finalPath)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); nil != err {
		removePart(logger, partPath)

		return "", fmt.Errorf("failed to create track directory: %v", err)
	}

	if err := os.Rename(partPath, finalPath); nil != err {
		removePart(logger, partPath)

		return "", fmt.Errorf("failed to move track into place: %v", err)
	}

	o.completeRecord(logger, rec, finalPath, delivery.Quality)
	o.deps.Cache.Paths.Invalidate(rec.Ref.Key())

	if o.permanentMode() {
		if err := o.deps.Store.Register(rec.Ref, library.Mapping{
			Path:         finalPath,
			Quality:      delivery.Quality,
			DownloadedAt: time.Now(),
		}); nil != err {
			logger.Error().Err(err).Msg("Failed to register download mapping")
		}

		if err := library.WriteSongTags(finalPath, song); nil != err {
			logger.Warn().Err(err).Msg("Failed to embed track tags")
		}

		if err := library.EnsureCover(ctx, logger, o.deps.HTTP, finalPath, song.CoverURL); nil != err {
			logger.Warn().Err(err).Msg("Failed to persist album cover")
		}
	}

	go o.notifyAcquired(logger, song, finalPath)

	if o.conf.WholeAlbums {
		if albumID, ok := client.ExtractAlbumID(song); ok {
			o.TriggerSiblingDownloads(rec.Ref.Provider, albumID, rec.Ref.ID)
		}
	}

	return finalPath, nil
}

// resolveSong fetches track metadata; in album-download mode the parent
// album is resolved first so album-artist attribution is correct.
func (o *Orchestrator) resolveSong(
	ctx context.Context,
	logger zerolog.Logger,
	client provider.Client,
	ref meta.TrackRef,
) (*meta.Song, error) {
	song, err := o.deps.Meta.GetSong(ctx, logger, ref)
	if nil != err {
		return nil, err
	}

	if o.conf.AlbumMode {
		if albumID, ok := client.ExtractAlbumID(song); ok {
			album, err := o.deps.Meta.GetAlbum(ctx, logger, ref.Provider, albumID)
			if nil != err {
				return nil, fmt.Errorf("failed to resolve parent album: %w", err)
			}

			song.AlbumArtist = album.Artist
			if song.CoverURL == "" {
				song.CoverURL = album.CoverURL
			}
		}
	}

	return song, nil
}

func (o *Orchestrator) fetchToPart(
	ctx context.Context,
	logger zerolog.Logger,
	client provider.Client,
	song *meta.Song,
	partPath string,
) (delivery *provider.Delivery, err error) {
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if nil != err {
		return nil, fmt.Errorf("failed to create part file: %v", err)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr && !errors.Is(closeErr, os.ErrClosed) {
			err = errors.Join(err, fmt.Errorf("failed to close part file: %v", closeErr))
		}
		if nil != err {
			removePart(logger, partPath)
		}
	}()

	delivery, err = client.Fetch(ctx, logger, song, f)
	if nil != err {
		return nil, fmt.Errorf("failed to fetch track stream: %w", err)
	}

	if err := f.Close(); nil != err {
		return nil, fmt.Errorf("failed to flush part file: %v", err)
	}

	return delivery, nil
}

func (o *Orchestrator) completeRecord(logger zerolog.Logger, rec *Record, path, deliveredQuality string) {
	o.recordsMux.Lock()
	defer o.recordsMux.Unlock()

	must.Be(rec.Status == StatusInProgress, "completing a record that is not in progress")

	rec.Status = StatusCompleted
	rec.LocalPath = ptr.Of(path)
	rec.Quality = ptr.Of(deliveredQuality)
	rec.CompletedAt = ptr.Of(time.Now())

	if nil != rec.BackupPath {
		if err := os.Remove(*rec.BackupPath); nil != err && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("backup_path", *rec.BackupPath).Msg("Failed to remove upgrade backup")
		}
		rec.BackupPath = nil
	}

	logger.Info().Str("path", path).Str("quality", deliveredQuality).Msg("Track acquired")
}

// failRecord marks the attempt failed and, for upgrade attempts,
// restores the pre-upgrade file so a failed upgrade never destroys a
// working copy.
func (o *Orchestrator) failRecord(logger zerolog.Logger, rec *Record, cause error) {
	o.recordsMux.Lock()
	defer o.recordsMux.Unlock()

	must.Be(rec.Status == StatusInProgress, "failing a record that is not in progress")

	rec.Status = StatusFailed
	rec.ErrorMessage = ptr.Of(cause.Error())
	rec.Cause = cause
	rec.CompletedAt = ptr.Of(time.Now())

	if nil != rec.BackupPath {
		originalPath := strings.TrimSuffix(*rec.BackupPath, backupSuffix)
		if err := os.Rename(*rec.BackupPath, originalPath); nil != err {
			logger.
				Error().
				Err(err).
				Str("backup_path", *rec.BackupPath).
				Msg("Failed to restore pre-upgrade file from backup")
		} else {
			logger.Info().Str("path", originalPath).Msg("Restored pre-upgrade file after failed upgrade")
			rec.BackupPath = nil
		}
	}

	logger.Error().Err(cause).Msg("Track acquisition failed")
}

func (o *Orchestrator) notifyAcquired(logger zerolog.Logger, song *meta.Song, path string) {
	if nil != o.deps.Rescan {
		o.deps.Rescan.TriggerRescan()
	}

	if nil == o.deps.Playlist {
		return
	}

	notifier := o.deps.Playlist()
	if nil == notifier {
		return
	}

	if playlistID, ok := notifier.PlaylistForTrack(song.Ref.Key()); ok {
		notifier.TrackAcquired(playlistID, song, path)
		logger.Debug().Str("playlist_id", playlistID).Msg("Playlist notifier informed")
	}
}

func removePart(logger zerolog.Logger, partPath string) {
	if err := os.Remove(partPath); nil != err && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("part_path", partPath).Msg("Failed to remove part file")
	}
}

func refreshAccessTime(logger zerolog.Logger, path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); nil != err {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to refresh cached file access time")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return nil == err
}
