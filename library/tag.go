package library

import (
	"fmt"
	"strconv"

	"go.senan.xyz/taglib"

	"github.com/veymar/trackgate/meta"
)

// WriteSongTags embeds the song's metadata into the audio file at path.
func WriteSongTags(path string, song *meta.Song) error {
	tags := map[string][]string{
		taglib.Title:  {song.Title},
		taglib.Artist: {song.Artist()},
		taglib.Album:  {song.Album},
	}

	if song.AlbumArtist != "" {
		tags[taglib.AlbumArtist] = []string{song.AlbumArtist}
	}

	if song.TrackNumber > 0 {
		tags[taglib.TrackNumber] = []string{strconv.Itoa(song.TrackNumber)}
	}

	if song.ISRC != "" {
		tags["ISRC"] = []string{song.ISRC}
	}

	if err := taglib.WriteTags(path, tags, 0); nil != err {
		return fmt.Errorf("failed to write tags to %s: %v", path, err)
	}

	return nil
}
