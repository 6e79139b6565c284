package deezer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/veymar/trackgate/httputil"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
)

// apiTrack is the public catalog view of one track. Readable reports
// region availability for the requesting IP.
type apiTrack struct {
	ID            int64  `json:"id"`
	Readable      bool   `json:"readable"`
	Title         string `json:"title"`
	ISRC          string `json:"isrc"`
	TrackPosition int    `json:"track_position"`
	Duration      int    `json:"duration"`
	Artist        struct {
		Name string `json:"name"`
	} `json:"artist"`
	Contributors []struct {
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"contributors"`
	Album struct {
		ID      int64  `json:"id"`
		Title   string `json:"title"`
		CoverXL string `json:"cover_xl"`
	} `json:"album"`
}

type apiAlbum struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	CoverXL string `json:"cover_xl"`
	Tracks  struct {
		Data []struct {
			ID            int64  `json:"id"`
			Title         string `json:"title"`
			TrackPosition int    `json:"track_position"`
		} `json:"data"`
	} `json:"tracks"`
}

func (c *Client) apiGet(ctx context.Context, logger zerolog.Logger, path string, out any) error {
	if err := c.gate.Wait(ctx); nil != err {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeouts.GetMetadata)*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, logger, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
		if nil != err {
			return nil, fmt.Errorf("failed to create catalog request: %v", err)
		}

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

	var probe struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &probe); nil == err && nil != probe.Error {
		if probe.Error.Code == 800 { // DATA_ERROR: no data for this id
			return provider.ErrTrackNotFound
		}

		return fmt.Errorf("catalog responded with error %d: %s", probe.Error.Code, probe.Error.Message)
	}

	if err := json.Unmarshal(respBody, out); nil != err {
		return fmt.Errorf("failed to decode catalog response body: %v", err)
	}

	return nil
}

func (c *Client) publicTrack(ctx context.Context, logger zerolog.Logger, id string) (*apiTrack, error) {
	var track apiTrack
	if err := c.apiGet(ctx, logger, "/track/"+url.PathEscape(id), &track); nil != err {
		return nil, fmt.Errorf("failed to get public track %s: %w", id, err)
	}

	return &track, nil
}

func (c *Client) searchTracks(ctx context.Context, logger zerolog.Logger, query string) ([]apiTrack, error) {
	var result struct {
		Data []apiTrack `json:"data"`
	}
	if err := c.apiGet(ctx, logger, "/search/track?q="+url.QueryEscape(query), &result); nil != err {
		return nil, fmt.Errorf("failed to search tracks: %w", err)
	}

	return result.Data, nil
}

// findAlternative resolves a replacement id for a region-unavailable
// track, degrading through three strategies: the provider-private
// fallback id, an ISRC search restricted to readable results, and a
// fuzzy title/artist search. Strategy failures fall through to the next
// one; only exhausting all of them is an error.
func (c *Client) findAlternative(
	ctx context.Context,
	logger zerolog.Logger,
	s *session,
	track *apiTrack,
) (string, error) {
	primaryID := strconv.FormatInt(track.ID, 10)

	if song, err := c.songData(ctx, logger, s, primaryID); nil != err {
		logger.Warn().Err(err).Msg("Fallback id lookup failed, trying ISRC search")
	} else if song.FallbackID != "" && song.FallbackID != primaryID && song.FallbackID != "0" {
		logger.Debug().Str("fallback_id", song.FallbackID).Msg("Using provider-private fallback id")

		return song.FallbackID, nil
	}

	if track.ISRC != "" {
		candidates, err := c.searchTracks(ctx, logger, fmt.Sprintf("isrc:%q", track.ISRC))
		if nil != err {
			logger.Warn().Err(err).Msg("ISRC search failed, trying fuzzy search")
		} else {
			for _, cand := range candidates {
				if cand.Readable && cand.ID != track.ID {
					logger.Debug().Int64("alternative_id", cand.ID).Msg("Using ISRC search alternative")

					return strconv.FormatInt(cand.ID, 10), nil
				}
			}
		}
	}

	normTitle := normalizeTitle(track.Title)
	query := fmt.Sprintf("track:%q artist:%q", normTitle, track.Artist.Name)
	candidates, err := c.searchTracks(ctx, logger, query)
	if nil != err {
		return "", fmt.Errorf("%w: fuzzy search failed: %v", provider.ErrTrackUnavailable, err)
	}

	if alt, ok := matchCandidate(candidates, track.ID, normTitle, track.Artist.Name); ok {
		logger.Debug().Int64("alternative_id", alt).Msg("Using fuzzy search alternative")

		return strconv.FormatInt(alt, 10), nil
	}

	return "", provider.ErrTrackUnavailable
}

var trailingParenthetical = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

// normalizeTitle strips one trailing parenthetical such as
// "(Remastered)" so re-releases match their original title.
func normalizeTitle(title string) string {
	return strings.TrimSpace(trailingParenthetical.ReplaceAllString(title, ""))
}

// matchCandidate picks a readable candidate whose artist matches exactly
// and whose normalized title matches exactly, or by substring when no
// exact title match exists.
func matchCandidate(candidates []apiTrack, excludeID int64, wantTitle, wantArtist string) (int64, bool) {
	wantTitle = strings.ToLower(wantTitle)
	wantArtist = strings.ToLower(wantArtist)

	readable := lo.Filter(candidates, func(t apiTrack, _ int) bool {
		return t.Readable && t.ID != excludeID && strings.ToLower(t.Artist.Name) == wantArtist
	})

	for _, cand := range readable {
		if strings.ToLower(normalizeTitle(cand.Title)) == wantTitle {
			return cand.ID, true
		}
	}

	for _, cand := range readable {
		if strings.Contains(strings.ToLower(normalizeTitle(cand.Title)), wantTitle) {
			return cand.ID, true
		}
	}

	return 0, false
}

func (t *apiTrack) toSong() *meta.Song {
	artists := make([]meta.Artist, 0, len(t.Contributors))
	for _, contrib := range t.Contributors {
		role := lo.Ternary(strings.EqualFold(contrib.Role, "Featured"), meta.ArtistRoleFeatured, meta.ArtistRoleMain)
		artists = append(artists, meta.Artist{Name: contrib.Name, Role: role})
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
		TrackNumber: t.TrackPosition,
		ISRC:        t.ISRC,
		DurationSec: t.Duration,
		CoverURL:    t.Album.CoverXL,
	}
}

// Song implements provider.MetaSource from the public catalog.
func (c *Client) Song(ctx context.Context, logger zerolog.Logger, id string) (*meta.Song, error) {
	track, err := c.publicTrack(ctx, logger, id)
	if nil != err {
		return nil, err
	}

	return track.toSong(), nil
}

// Album implements provider.MetaSource from the public catalog.
func (c *Client) Album(ctx context.Context, logger zerolog.Logger, id string) (*meta.Album, error) {
	var album apiAlbum
	if err := c.apiGet(ctx, logger, "/album/"+url.PathEscape(id), &album); nil != err {
		return nil, fmt.Errorf("failed to get public album %s: %w", id, err)
	}

	tracks := make([]meta.AlbumTrack, 0, len(album.Tracks.Data))
	for _, track := range album.Tracks.Data {
		tracks = append(tracks, meta.AlbumTrack{
			ID:          strconv.FormatInt(track.ID, 10),
			Title:       track.Title,
			TrackNumber: track.TrackPosition,
		})
	}

	return &meta.Album{
		Provider: Name,
		ID:       strconv.FormatInt(album.ID, 10),
		Title:    album.Title,
		Artist:   album.Artist.Name,
		CoverURL: album.CoverXL,
		Tracks:   tracks,
	}, nil
}
