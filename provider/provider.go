package provider

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/meta"
)

// Delivery describes what a fetch actually produced: the delivered
// quality label, which may be lower than requested, and the container
// extension without the leading dot.
type Delivery struct {
	Quality string
	Ext     string
}

// Client is one streaming backend. The set of backends is closed;
// orchestration selects one by name through a Registry.
type Client interface {
	Name() string
	// Validate checks the backend's credential and reachability without
	// fetching content.
	Validate(ctx context.Context, logger zerolog.Logger) error
	// Fetch writes the complete, decrypted track stream for song into w.
	Fetch(ctx context.Context, logger zerolog.Logger, song *meta.Song, w io.Writer) (*Delivery, error)
	// ExtractAlbumID reports the backend's album id for a song, when the
	// song carries one.
	ExtractAlbumID(song *meta.Song) (string, bool)
	// TargetQuality is the label fetches aim for on this backend, used
	// for upgrade decisions.
	TargetQuality() string
}

// MetaSource is implemented by backends that also serve catalog
// metadata from their public endpoints.
type MetaSource interface {
	Song(ctx context.Context, logger zerolog.Logger, id string) (*meta.Song, error)
	Album(ctx context.Context, logger zerolog.Logger, id string) (*meta.Album, error)
}

type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}

	return &Registry{clients: m}
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}

	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}
