package meta

import "github.com/rs/zerolog"

type Album struct {
	Provider string
	ID       string
	Title    string
	Artist   string
	CoverURL string
	Tracks   []AlbumTrack
}

type AlbumTrack struct {
	ID          string
	Title       string
	TrackNumber int
}

func (a *Album) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("provider", a.Provider).
		Str("id", a.ID).
		Str("title", a.Title).
		Str("artist", a.Artist).
		Int("tracks", len(a.Tracks))
}
