package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/meta"
)

// MetaService serves catalog metadata from the registered backends'
// public endpoints.
type MetaService struct {
	registry *Registry
}

func NewMetaService(registry *Registry) *MetaService {
	return &MetaService{registry: registry}
}

func (s *MetaService) GetSong(
	ctx context.Context,
	logger zerolog.Logger,
	ref meta.TrackRef,
) (*meta.Song, error) {
	src, err := s.source(ref.Provider)
	if nil != err {
		return nil, err
	}

	song, err := src.Song(ctx, logger, ref.ID)
	if nil != err {
		return nil, fmt.Errorf("failed to get song metadata: %w", err)
	}

	return song, nil
}

func (s *MetaService) GetAlbum(
	ctx context.Context,
	logger zerolog.Logger,
	providerName string,
	albumID string,
) (*meta.Album, error) {
	src, err := s.source(providerName)
	if nil != err {
		return nil, err
	}

	album, err := src.Album(ctx, logger, albumID)
	if nil != err {
		return nil, fmt.Errorf("failed to get album metadata: %w", err)
	}

	return album, nil
}

func (s *MetaService) source(providerName string) (MetaSource, error) {
	c, err := s.registry.Get(providerName)
	if nil != err {
		return nil, err
	}

	src, ok := c.(MetaSource)
	if !ok {
		return nil, fmt.Errorf("%w: %s serves no catalog metadata", ErrUnsupportedProvider, providerName)
	}

	return src, nil
}
