package qobuz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
)

type apiTrack struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	ISRC        string `json:"isrc"`
	Duration    int    `json:"duration"`
	TrackNumber int    `json:"track_number"`
	Performer   struct {
		Name string `json:"name"`
	} `json:"performer"`
	Album struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Artist struct {
			Name string `json:"name"`
		} `json:"artist"`
		Image struct {
			Large string `json:"large"`
		} `json:"image"`
	} `json:"album"`
}

type apiAlbum struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	Image struct {
		Large string `json:"large"`
	} `json:"image"`
	Tracks struct {
		Items []struct {
			ID          int64  `json:"id"`
			Title       string `json:"title"`
			TrackNumber int    `json:"track_number"`
		} `json:"items"`
	} `json:"tracks"`
}

func (c *Client) apiGet(ctx context.Context, logger zerolog.Logger, path string, params url.Values, out any) error {
	bundle, err := c.extractor.Get(ctx, logger)
	if nil != err {
		return err
	}
	params.Set("app_id", bundle.AppID)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.GetMetadata)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.APIBase+path+"?"+params.Encode(), nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create catalog request: %v", err)
		}
		req.Header.Set("X-App-Id", bundle.AppID)

		return req, nil
	})
	if nil != err {
		return fmt.Errorf("%w: %v", provider.ErrUpstreamUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Warn().Err(closeErr).Msg("Failed to close catalog response body")
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusNotFound:
		return provider.ErrTrackNotFound
	default:
		return fmt.Errorf("unexpected catalog response status code: %d", code)
	}

	respBody, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return fmt.Errorf("failed to read catalog response body: %v", err)
	}

	if err := json.Unmarshal(respBody, out); nil != err {
		return fmt.Errorf("failed to decode catalog response body: %v", err)
	}

	return nil
}

// Song implements provider.MetaSource.
func (c *Client) Song(ctx context.Context, logger zerolog.Logger, id string) (*meta.Song, error) {
	var track apiTrack
	if err := c.apiGet(ctx, logger, "/track/get", url.Values{"track_id": {id}}, &track); nil != err {
		return nil, fmt.Errorf("failed to get track %s: %w", id, err)
	}

	return &meta.Song{ //nolint:exhaustruct
		Ref:         meta.TrackRef{Provider: Name, ID: strconv.FormatInt(track.ID, 10)},
		Title:       track.Title,
		Artists:     []meta.Artist{{Name: track.Performer.Name, Role: meta.ArtistRoleMain}},
		AlbumArtist: track.Album.Artist.Name,
		Album:       track.Album.Title,
		AlbumID:     track.Album.ID,
		TrackNumber: track.TrackNumber,
		ISRC:        track.ISRC,
		DurationSec: track.Duration,
		CoverURL:    track.Album.Image.Large,
	}, nil
}

// Album implements provider.MetaSource.
func (c *Client) Album(ctx context.Context, logger zerolog.Logger, id string) (*meta.Album, error) {
	var album apiAlbum
	if err := c.apiGet(ctx, logger, "/album/get", url.Values{"album_id": {id}}, &album); nil != err {
		return nil, fmt.Errorf("failed to get album %s: %w", id, err)
	}

	tracks := make([]meta.AlbumTrack, 0, len(album.Tracks.Items))
	for _, track := range album.Tracks.Items {
		tracks = append(tracks, meta.AlbumTrack{
			ID:          strconv.FormatInt(track.ID, 10),
			Title:       track.Title,
			TrackNumber: track.TrackNumber,
		})
	}

	return &meta.Album{
		Provider: Name,
		ID:       album.ID,
		Title:    album.Title,
		Artist:   album.Artist.Name,
		CoverURL: album.Image.Large,
		Tracks:   tracks,
	}, nil
}
