package meta

import (
	"context"

	"github.com/rs/zerolog"
)

// TrackRef identifies a track on one backend. Its Key is the stable
// identity used for locking, caching, and the mapping store.
type TrackRef struct {
	Provider string
	ID       string
}

func (r TrackRef) Key() string {
	return r.Provider + ":" + r.ID
}

func (r TrackRef) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("provider", r.Provider).
		Str("id", r.ID)
}

// Service supplies track and album metadata for a backend. Album lookups
// are the authority for album-artist attribution.
type Service interface {
	GetSong(ctx context.Context, logger zerolog.Logger, ref TrackRef) (*Song, error)
	GetAlbum(ctx context.Context, logger zerolog.Logger, provider, albumID string) (*Album, error)
}
