package tidal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
)

type apiTrack struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	ISRC        string `json:"isrc"`
	Duration    int    `json:"duration"`
	TrackNumber int    `json:"trackNumber"`
	Artist      struct {
		Name string `json:"name"`
	} `json:"artist"`
	Artists []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"artists"`
	Album struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
		Cover string `json:"cover"`
	} `json:"album"`
}

type apiAlbum struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Cover  string `json:"cover"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	Items []struct {
		ID          int64  `json:"id"`
		Title       string `json:"title"`
		TrackNumber int    `json:"trackNumber"`
	} `json:"items"`
}

// metaGet fetches one catalog route, sweeping the instances in order on
// connection failure like the manifest path does.
func (c *Client) metaGet(ctx context.Context, logger zerolog.Logger, path string, params url.Values, out any) error {
	var lastErr error
	for _, instance := range c.conf.Instances {
		resp, err := c.instanceGet(ctx, logger, instance, path, params, time.Duration(c.timeouts.GetMetadata)*time.Second)
		if nil != err {
			lastErr = err

			continue
		}

		err = func() error {
			defer func() {
				if closeErr := resp.Body.Close(); nil != closeErr {
					logger.Warn().Err(closeErr).Msg("Failed to close catalog response body")
				}
			}()

			respBody, err := httputil.ReadResponseBody(resp)
			if nil != err {
				return fmt.Errorf("failed to read catalog response body: %v", err)
			}

			switch code := resp.StatusCode; code {
			case http.StatusOK:
			case http.StatusNotFound:
				return provider.ErrTrackNotFound
			default:
				return fmt.Errorf("unexpected catalog response status code: %d", code)
			}

			if err := json.Unmarshal(respBody, out); nil != err {
				return fmt.Errorf("failed to decode catalog response body: %v", err)
			}

			return nil
		}()
		if nil != err {
			return err
		}

		return nil
	}

	return fmt.Errorf("%w: all instances failed: %v", provider.ErrUpstreamUnreachable, lastErr)
}

func (t *apiTrack) toSong() *meta.Song {
	artists := make([]meta.Artist, 0, len(t.Artists))
	for _, a := range t.Artists {
		role := lo.Ternary(a.Type == "FEATURED", meta.ArtistRoleFeatured, meta.ArtistRoleMain)
		artists = append(artists, meta.Artist{Name: a.Name, Role: role})
	}
	if len(artists) == 0 && t.Artist.Name != "" {
		artists = append(artists, meta.Artist{Name: t.Artist.Name, Role: meta.ArtistRoleMain})
	}

	return &meta.Song{ //nolint:exhaustruct
		Ref:         meta.TrackRef{Provider: Name, ID: strconv.FormatInt(t.ID, 10)},
		Title:       t.Title,
		Artists:     artists,
		Album:       t.Album.Title,
		AlbumID:     strconv.FormatInt(t.Album.ID, 10),
		TrackNumber: t.TrackNumber,
		ISRC:        t.ISRC,
		DurationSec: t.Duration,
		CoverURL:    coverURL(t.Album.Cover),
	}
}

// Song implements provider.MetaSource.
func (c *Client) Song(ctx context.Context, logger zerolog.Logger, id string) (*meta.Song, error) {
	var envelope struct {
		Data apiTrack `json:"data"`
	}
	params := url.Values{"id": {id}, "quality": {"LOW"}}
	if err := c.metaGet(ctx, logger, "/track/", params, &envelope); nil != err {
		return nil, fmt.Errorf("failed to get track %s: %w", id, err)
	}

	if envelope.Data.ID == 0 {
		return nil, provider.ErrTrackNotFound
	}

	return envelope.Data.toSong(), nil
}

// Album implements provider.MetaSource.
func (c *Client) Album(ctx context.Context, logger zerolog.Logger, id string) (*meta.Album, error) {
	var envelope struct {
		Data apiAlbum `json:"data"`
	}
	if err := c.metaGet(ctx, logger, "/album/", url.Values{"id": {id}}, &envelope); nil != err {
		return nil, fmt.Errorf("failed to get album %s: %w", id, err)
	}

	album := envelope.Data
	tracks := make([]meta.AlbumTrack, 0, len(album.Items))
	for _, item := range album.Items {
		tracks = append(tracks, meta.AlbumTrack{
			ID:          strconv.FormatInt(item.ID, 10),
			Title:       item.Title,
			TrackNumber: item.TrackNumber,
		})
	}

	return &meta.Album{
		Provider: Name,
		ID:       strconv.FormatInt(album.ID, 10),
		Title:    album.Title,
		Artist:   album.Artist.Name,
		CoverURL: coverURL(album.Cover),
		Tracks:   tracks,
	}, nil
}
