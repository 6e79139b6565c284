package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/veymar/trackgate/meta"
)

const (
	maxNameLen  = 100
	unknownName = "Unknown"
)

const invalidNameChars = `<>:"/\|?*`

// SanitizeName makes a metadata string safe as a single path element:
// filesystem-invalid characters become '_', trailing dots and whitespace
// are trimmed, the result is capped at 100 characters and never empty.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			b.WriteRune('_')

			continue
		}
		b.WriteRune(r)
	}

	out := strings.TrimRight(b.String(), ". \t")
	if runes := []rune(out); len(runes) > maxNameLen {
		out = string(runes[:maxNameLen])
	}

	if out == "" {
		return unknownName
	}

	return out
}

// Resolver builds collision-safe track locations under one root
// directory. Paths handed out but not yet written are reserved so
// concurrent resolutions never produce the same location.
type Resolver struct {
	root     string
	mux      sync.Mutex
	reserved map[string]struct{}
}

func NewResolver(root string) *Resolver {
	return &Resolver{
		root:     root,
		mux:      sync.Mutex{},
		reserved: make(map[string]struct{}),
	}
}

func (r *Resolver) Root() string {
	return r.root
}

// TrackPath returns a unique on-disk location for a song:
// <root>/<Artist>/<Album>/<NN - >Title.<ext>. Taken locations get
// " (n)" appended before the extension, n assigned in request order.
func (r *Resolver) TrackPath(song *meta.Song, ext string) (string, error) {
	dir := filepath.Join(r.root, r.artistDir(song), SanitizeName(song.Album))

	base := SanitizeName(song.Title)
	if song.TrackNumber > 0 {
		base = fmt.Sprintf("%02d - %s", song.TrackNumber, base)
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	for n := 0; ; n++ {
		name := lo.Ternary(n == 0, base, fmt.Sprintf("%s (%d)", base, n))
		path := filepath.Join(dir, name+"."+ext)
		taken, err := r.taken(path)
		if nil != err {
			return "", err
		}

		if !taken {
			r.reserved[path] = struct{}{}

			return path, nil
		}
	}
}

// ExistingTrackPath probes the unsuffixed candidate locations for a song
// across the known container extensions. No reservation is made.
func (r *Resolver) ExistingTrackPath(song *meta.Song) (string, bool, error) {
	dir := filepath.Join(r.root, r.artistDir(song), SanitizeName(song.Album))

	base := SanitizeName(song.Title)
	if song.TrackNumber > 0 {
		base = fmt.Sprintf("%02d - %s", song.TrackNumber, base)
	}

	for _, ext := range []string{"flac", "mp3", "m4a", "ogg"} {
		path := filepath.Join(dir, base+"."+ext)
		if _, err := os.Stat(path); nil != err {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return "", false, fmt.Errorf("failed to stat %s: %v", path, err)
		}

		return path, true, nil
	}

	return "", false, nil
}

// Release drops a reservation. By then the path either exists on disk,
// where stat covers it, or the fetch was abandoned and the slot is free
// again.
func (r *Resolver) Release(path string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.reserved, path)
}

func (r *Resolver) artistDir(song *meta.Song) string {
	return SanitizeName(lo.Ternary(song.AlbumArtist != "", song.AlbumArtist, song.Artist()))
}

func (r *Resolver) taken(path string) (bool, error) {
	if _, ok := r.reserved[path]; ok {
		return true, nil
	}

	if _, err := os.Stat(path); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat %s: %v", path, err)
	}

	return true, nil
}
