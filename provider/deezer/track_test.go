package deezer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		title string
		want  string
	}{
		{name: "plain title untouched", title: "Paranoid", want: "Paranoid"},
		{name: "trailing remaster stripped", title: "Paranoid (2009 Remastered)", want: "Paranoid"},
		{name: "trailing live tag stripped", title: "Iron Man (Live)", want: "Iron Man"},
		{name: "only trailing parenthetical stripped", title: "(Sittin' On) The Dock of the Bay", want: "(Sittin' On) The Dock of the Bay"},
		{name: "inner parenthetical kept", title: "Don't Stop (Color) Me Now", want: "Don't Stop (Color) Me Now"},
		{name: "whitespace trimmed", title: "Changes  (Remastered) ", want: "Changes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalizeTitle(tt.title))
		})
	}
}

func TestMatchCandidate(t *testing.T) {
	t.Parallel()

	candidates := []apiTrack{
		{ID: 1, Readable: false, Title: "Paranoid", Artist: artistNamed("Black Sabbath")},
		{ID: 2, Readable: true, Title: "Paranoid", Artist: artistNamed("Some Cover Band")},
		{ID: 3, Readable: true, Title: "Paranoid (2012 Remaster)", Artist: artistNamed("Black Sabbath")},
		{ID: 4, Readable: true, Title: "Paranoid Extended Mix", Artist: artistNamed("Black Sabbath")},
	}

	t.Run("exact normalized title beats substring", func(t *testing.T) {
		t.Parallel()

		id, ok := matchCandidate(candidates, 0, "paranoid", "black sabbath")
		require.True(t, ok)
		assert.Equal(t, int64(3), id)
	})

	t.Run("substring match when no exact title", func(t *testing.T) {
		t.Parallel()

		id, ok := matchCandidate(candidates[3:], 0, "paranoid", "black sabbath")
		require.True(t, ok)
		assert.Equal(t, int64(4), id)
	})

	t.Run("unreadable and wrong-artist candidates are skipped", func(t *testing.T) {
		t.Parallel()

		_, ok := matchCandidate(candidates[:2], 0, "paranoid", "black sabbath")
		assert.False(t, ok)
	})

	t.Run("the excluded id never matches", func(t *testing.T) {
		t.Parallel()

		_, ok := matchCandidate(candidates[2:3], 3, "paranoid", "black sabbath")
		assert.False(t, ok)
	})
}

func artistNamed(name string) struct {
	Name string `json:"name"`
} {
	return struct {
		Name string `json:"name"`
	}{Name: name}
}

func TestAllowedFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		preferred string
		want      []string
	}{
		{name: "flac allows whole ladder", preferred: "FLAC", want: []string{"FLAC", "MP3_320", "MP3_128"}},
		{name: "hi-res caps at flac", preferred: "HI_RES_LOSSLESS", want: []string{"FLAC", "MP3_320", "MP3_128"}},
		{name: "lossy-high drops flac", preferred: "MP3_320", want: []string{"MP3_320", "MP3_128"}},
		{name: "lossy-low keeps only the floor", preferred: "MP3_128", want: []string{"MP3_128"}},
		{name: "unknown preference allows everything", preferred: "", want: []string{"FLAC", "MP3_320", "MP3_128"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, allowedFormats(tt.preferred))
		})
	}
}
