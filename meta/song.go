package meta

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type Artist struct {
	Name string
	Role string
}

const (
	ArtistRoleMain     = "MAIN"
	ArtistRoleFeatured = "FEATURED"
)

func JoinArtists(artists []Artist) string {
	mainArtists := lo.FilterMap(
		artists,
		func(a Artist, _ int) (string, bool) { return a.Name, a.Role == ArtistRoleMain },
	)
	featArtists := lo.FilterMap(
		artists,
		func(a Artist, _ int) (string, bool) { return a.Name, a.Role == ArtistRoleFeatured },
	)
	out := strings.Join(mainArtists, ", ")
	if len(featArtists) > 0 {
		out += " (feat. " + strings.Join(featArtists, ", ") + ")"
	}

	return out
}

type Song struct {
	Ref         TrackRef
	Title       string
	Artists     []Artist
	AlbumArtist string
	Album       string
	AlbumID     string
	TrackNumber int
	ISRC        string
	DurationSec int
	CoverURL    string
}

// Artist is the display artist line: main artists joined, featured
// artists appended.
func (s *Song) Artist() string {
	return JoinArtists(s.Artists)
}

func (s *Song) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Dict("ref", s.Ref.ToDict()).
		Str("title", s.Title).
		Str("artist", s.Artist()).
		Str("album", s.Album).
		Int("track_number", s.TrackNumber).
		Str("isrc", s.ISRC)
}
