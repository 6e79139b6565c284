package orchestrator

import (
	"context"
	"time"

	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/ratelimit"
)

// siblingTimeout bounds one background album sweep so a wedged backend
// cannot pin the goroutine forever.
const siblingTimeout = 2 * time.Hour

// TriggerSiblingDownloads starts a background sweep that acquires the
// remaining tracks of an album serially, skipping the track that
// triggered it, anything already on disk, and anything in flight.
// Failures are logged and the sweep moves on. At most one sweep runs
// per album at a time; tracks acquired by the sweep do not spawn
// nested sweeps.
func (o *Orchestrator) TriggerSiblingDownloads(providerName, albumID, excludeTrackID string) {
	albumKey := providerName + ":" + albumID

	o.sweepsMux.Lock()
	if _, running := o.sweeps[albumKey]; running {
		o.sweepsMux.Unlock()

		return
	}
	o.sweeps[albumKey] = struct{}{}
	o.sweepsMux.Unlock()

	go func() {
		defer func() {
			o.sweepsMux.Lock()
			delete(o.sweeps, albumKey)
			o.sweepsMux.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), siblingTimeout)
		defer cancel()

		o.downloadSiblings(ctx, providerName, albumID, excludeTrackID)
	}()
}

func (o *Orchestrator) downloadSiblings(ctx context.Context, providerName, albumID, excludeTrackID string) {
	logger := o.logger.With().Str("provider", providerName).Str("album_id", albumID).Logger()

	album, err := o.deps.Meta.GetAlbum(ctx, logger, providerName, albumID)
	if nil != err {
		logger.Error().Err(err).Msg("Failed to resolve album for sibling downloads")

		return
	}

	logger = logger.With().Dict("album", album.ToDict()).Logger()
	logger.Info().Msg("Starting sibling album downloads")

	var fetched, skipped, failed int
	for _, track := range album.Tracks {
		if track.ID == excludeTrackID {
			skipped++

			continue
		}

		ref := meta.TrackRef{Provider: providerName, ID: track.ID}
		if _, ok := o.LookupExistingPath(providerName, track.ID); ok {
			skipped++

			continue
		}

		if rec := o.GetStatus(ref.Key()); nil != rec && rec.Status == StatusInProgress {
			skipped++

			continue
		}

		select {
		case <-ctx.Done():
			logger.Warn().Err(ctx.Err()).Msg("Sibling downloads interrupted")

			return
		case <-time.After(ratelimit.SiblingPauseMS()):
		}

		if _, err := o.Acquire(ctx, providerName, track.ID); nil != err {
			failed++
			logger.Error().Err(err).Dict("track", ref.ToDict()).Msg("Sibling track download failed")

			continue
		}

		fetched++
	}

	logger.
		Info().
		Int("fetched", fetched).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("Finished sibling album downloads")
}
