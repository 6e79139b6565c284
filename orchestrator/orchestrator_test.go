package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veymar/trackgate/cache"
	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/library"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/orchestrator"
	"github.com/veymar/trackgate/provider"
)

type fakeClient struct {
	mux      sync.Mutex
	fetches  map[string]int
	content  map[string][]byte
	delay    time.Duration
	fetchErr error
	target   string
}

func newFakeClient(target string) *fakeClient {
	return &fakeClient{
		fetches: make(map[string]int),
		content: make(map[string][]byte),
		target:  target,
	}
}

func (c *fakeClient) Name() string { return "deezer" }

func (c *fakeClient) Validate(context.Context, zerolog.Logger) error { return nil }

func (c *fakeClient) Fetch(
	_ context.Context,
	_ zerolog.Logger,
	song *meta.Song,
	w io.Writer,
) (*provider.Delivery, error) {
	c.mux.Lock()
	c.fetches[song.Ref.ID]++
	body, ok := c.content[song.Ref.ID]
	fetchErr := c.fetchErr
	c.mux.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	if nil != fetchErr {
		return nil, fetchErr
	}

	if !ok {
		body = []byte("audio:" + song.Ref.ID)
	}

	if _, err := w.Write(body); nil != err {
		return nil, err
	}

	return &provider.Delivery{Quality: c.target, Ext: "flac"}, nil
}

func (c *fakeClient) ExtractAlbumID(song *meta.Song) (string, bool) {
	return song.AlbumID, song.AlbumID != ""
}

func (c *fakeClient) TargetQuality() string { return c.target }

func (c *fakeClient) fetchCount(trackID string) int {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.fetches[trackID]
}

type fakeMeta struct {
	songs  map[string]*meta.Song
	albums map[string]*meta.Album
}

func (m *fakeMeta) GetSong(_ context.Context, _ zerolog.Logger, ref meta.TrackRef) (*meta.Song, error) {
	song, ok := m.songs[ref.ID]
	if !ok {
		return nil, provider.ErrTrackNotFound
	}
	out := *song

	return &out, nil
}

func (m *fakeMeta) GetAlbum(_ context.Context, _ zerolog.Logger, _, albumID string) (*meta.Album, error) {
	album, ok := m.albums[albumID]
	if !ok {
		return nil, provider.ErrTrackNotFound
	}

	return album, nil
}

type memStore struct {
	mux      sync.Mutex
	mappings map[string]library.Mapping
}

func newMemStore() *memStore {
	return &memStore{mappings: make(map[string]library.Mapping)}
}

func (s *memStore) Lookup(ref meta.TrackRef) (*library.Mapping, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if m, ok := s.mappings[ref.Key()]; ok {
		return &m, nil
	}

	return nil, nil //nolint:nilnil
}

func (s *memStore) Register(ref meta.TrackRef, m library.Mapping) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.mappings[ref.Key()] = m

	return nil
}

type countingRescanner struct {
	mux   sync.Mutex
	count int
}

func (r *countingRescanner) TriggerRescan() {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.count++
}

func testSong(id, albumID string, trackNumber int) *meta.Song {
	return &meta.Song{ //nolint:exhaustruct
		Ref:         meta.TrackRef{Provider: "deezer", ID: id},
		Title:       "Track " + id,
		Artists:     []meta.Artist{{Name: "Moderat", Role: meta.ArtistRoleMain}},
		Album:       "II",
		AlbumID:     albumID,
		TrackNumber: trackNumber,
	}
}

type fixture struct {
	orch    *orchestrator.Orchestrator
	client  *fakeClient
	store   *memStore
	rescan  *countingRescanner
	metaSvc *fakeMeta
	root    string
}

func (f *fixture) addAlbum(album *meta.Album) {
	f.metaSvc.albums[album.ID] = album
}

func newFixture(t *testing.T, storage config.Storage, download config.Download, client *fakeClient, songs ...*meta.Song) *fixture {
	t.Helper()

	root := t.TempDir()
	storage.MusicDir = root
	storage.CacheDir = root

	metaSvc := &fakeMeta{
		songs:  make(map[string]*meta.Song),
		albums: make(map[string]*meta.Album),
	}
	for _, song := range songs {
		metaSvc.songs[song.Ref.ID] = song
	}

	store := newMemStore()
	rescan := &countingRescanner{}

	orch := orchestrator.New(zerolog.Nop(), storage, download, orchestrator.Deps{
		Registry: provider.NewRegistry(client),
		Meta:     metaSvc,
		Store:    store,
		Rescan:   rescan,
		Resolver: library.NewResolver(root),
		Cache:    cache.New(),
		HTTP:     http.DefaultClient,
		Playlist: nil,
	})

	return &fixture{orch: orch, client: client, store: store, rescan: rescan, metaSvc: metaSvc, root: root}
}

func permanentStorage() config.Storage {
	return config.Storage{Mode: config.StorageModePermanent} //nolint:exhaustruct
}

func cacheStorage() config.Storage {
	return config.Storage{Mode: config.StorageModeCache} //nolint:exhaustruct
}

func TestAcquireFetchesAndRegisters(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	client.content["1"] = []byte("flac-bytes")
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("flac-bytes"), body)
	assert.Equal(t, 1, fx.client.fetchCount("1"))

	mapping, err := fx.store.Lookup(meta.TrackRef{Provider: "deezer", ID: "1"})
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, path, mapping.Path)
	assert.Equal(t, "FLAC", mapping.Quality)

	rec := fx.orch.GetStatus("deezer:1")
	require.NotNil(t, rec)
	assert.Equal(t, orchestrator.StatusCompleted, rec.Status)
	require.NotNil(t, rec.LocalPath)
	assert.Equal(t, path, *rec.LocalPath)
	assert.Nil(t, rec.BackupPath)

	assert.Eventually(t, func() bool {
		fx.rescan.mux.Lock()
		defer fx.rescan.mux.Unlock()

		return fx.rescan.count > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAcquireServesExistingWithoutFetch(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	existing := filepath.Join(fx.root, "already-there.flac")
	require.NoError(t, os.WriteFile(existing, []byte("original"), 0o644))
	require.NoError(t, fx.store.Register(
		meta.TrackRef{Provider: "deezer", ID: "1"},
		library.Mapping{Path: existing, Quality: "FLAC", DownloadedAt: time.Now()},
	))

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)
	assert.Equal(t, existing, path)
	assert.Zero(t, fx.client.fetchCount("1"))
}

func TestAcquireRefetchesWhenFileVanished(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	require.NoError(t, fx.store.Register(
		meta.TrackRef{Provider: "deezer", ID: "1"},
		library.Mapping{Path: filepath.Join(fx.root, "gone.flac"), Quality: "FLAC", DownloadedAt: time.Now()},
	))

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 1, fx.client.fetchCount("1"))
}

func TestConcurrentAcquireSharesOneFetch(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	client.delay = 300 * time.Millisecond
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	const callers = 8
	paths := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = fx.orch.Acquire(context.Background(), "deezer", "1")
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, fx.client.fetchCount("1"))
}

func TestConcurrentAcquireSharesFailureSentinel(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	client.delay = 300 * time.Millisecond
	client.fetchErr = provider.ErrTrackUnavailable
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	const callers = 4
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = fx.orch.Acquire(context.Background(), "deezer", "1")
		}()
	}
	wg.Wait()

	for i := range callers {
		require.Error(t, errs[i])
		assert.ErrorIs(t, errs[i], provider.ErrTrackUnavailable)
	}
	assert.Equal(t, 1, fx.client.fetchCount("1"))
}

func TestUpgradeReplacesFileAndDropsBackup(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	client.content["1"] = []byte("lossless")
	download := config.Download{AutoUpgrade: true} //nolint:exhaustruct
	fx := newFixture(t, permanentStorage(), download, client, testSong("1", "", 1))

	existing := filepath.Join(fx.root, "old.mp3")
	require.NoError(t, os.WriteFile(existing, []byte("lossy"), 0o644))
	require.NoError(t, fx.store.Register(
		meta.TrackRef{Provider: "deezer", ID: "1"},
		library.Mapping{Path: existing, Quality: "MP3_320", DownloadedAt: time.Now()},
	))

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("lossless"), body)
	assert.NoFileExists(t, existing+".backup")

	mapping, err := fx.store.Lookup(meta.TrackRef{Provider: "deezer", ID: "1"})
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "FLAC", mapping.Quality)
}

func TestUpgradeRestoresBackupOnFailure(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	client.fetchErr = errors.New("stream cut")
	download := config.Download{AutoUpgrade: true} //nolint:exhaustruct
	fx := newFixture(t, permanentStorage(), download, client, testSong("1", "", 1))

	existing := filepath.Join(fx.root, "old.mp3")
	require.NoError(t, os.WriteFile(existing, []byte("lossy"), 0o644))
	require.NoError(t, fx.store.Register(
		meta.TrackRef{Provider: "deezer", ID: "1"},
		library.Mapping{Path: existing, Quality: "MP3_320", DownloadedAt: time.Now()},
	))

	_, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.Error(t, err)

	body, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, []byte("lossy"), body)
	assert.NoFileExists(t, existing+".backup")

	rec := fx.orch.GetStatus("deezer:1")
	require.NotNil(t, rec)
	assert.Equal(t, orchestrator.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "stream cut")

	// Once the backend recovers, the restored copy upgrades normally.
	fx.client.mux.Lock()
	fx.client.fetchErr = nil
	fx.client.content["1"] = []byte("lossless")
	fx.client.mux.Unlock()

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	body, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("lossless"), body)
	assert.NoFileExists(t, existing+".backup")
}

func TestNoUpgradeWhenTargetNotBetter(t *testing.T) {
	t.Parallel()

	client := newFakeClient("MP3_320")
	download := config.Download{AutoUpgrade: true} //nolint:exhaustruct
	fx := newFixture(t, permanentStorage(), download, client, testSong("1", "", 1))

	existing := filepath.Join(fx.root, "same.mp3")
	require.NoError(t, os.WriteFile(existing, []byte("lossy"), 0o644))
	require.NoError(t, fx.store.Register(
		meta.TrackRef{Provider: "deezer", ID: "1"},
		library.Mapping{Path: existing, Quality: "MP3_320", DownloadedAt: time.Now()},
	))

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)
	assert.Equal(t, existing, path)
	assert.Zero(t, fx.client.fetchCount("1"))
}

func TestCacheModeReusesDownloadedFile(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	fx := newFixture(t, cacheStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	first, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	second, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fx.client.fetchCount("1"))
}

func TestLookupExistingPath(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	_, ok := fx.orch.LookupExistingPath("deezer", "1")
	assert.False(t, ok)

	path, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	found, ok := fx.orch.LookupExistingPath("deezer", "1")
	require.True(t, ok)
	assert.Equal(t, path, found)
}

func TestGetStatusUnknownTrack(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	fx := newFixture(t, permanentStorage(), config.Download{}, client) //nolint:exhaustruct

	assert.Nil(t, fx.orch.GetStatus("deezer:missing"))
}

func TestWholeAlbumsFetchesSiblings(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	download := config.Download{WholeAlbums: true} //nolint:exhaustruct
	fx := newFixture(
		t,
		permanentStorage(),
		download,
		client,
		testSong("1", "al1", 1),
		testSong("2", "al1", 2),
		testSong("3", "al1", 3),
	)
	fx.addAlbum(&meta.Album{
		Provider: "deezer",
		ID:       "al1",
		Title:    "II",
		Artist:   "Moderat",
		Tracks: []meta.AlbumTrack{
			{ID: "1", Title: "Track 1", TrackNumber: 1},
			{ID: "2", Title: "Track 2", TrackNumber: 2},
			{ID: "3", Title: "Track 3", TrackNumber: 3},
		},
	})

	_, err := fx.orch.Acquire(context.Background(), "deezer", "1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok2 := fx.orch.LookupExistingPath("deezer", "2")
		_, ok3 := fx.orch.LookupExistingPath("deezer", "3")

		return ok2 && ok3
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, 1, fx.client.fetchCount("1"))
	assert.Equal(t, 1, fx.client.fetchCount("2"))
	assert.Equal(t, 1, fx.client.fetchCount("3"))
}

func TestAcquireAndOpenStreamSniffsContentType(t *testing.T) {
	t.Parallel()

	client := newFakeClient("FLAC")
	client.content["1"] = append([]byte("fLaC"), make([]byte, 64)...)
	fx := newFixture(t, permanentStorage(), config.Download{}, client, testSong("1", "", 1)) //nolint:exhaustruct

	stream, err := fx.orch.AcquireAndOpenStream(context.Background(), "deezer", "1")
	require.NoError(t, err)
	defer func() { require.NoError(t, stream.Close()) }()

	assert.Equal(t, "audio/flac", stream.ContentType)
	assert.Equal(t, int64(68), stream.Size)

	head := make([]byte, 4)
	_, err = io.ReadFull(stream, head)
	require.NoError(t, err)
	assert.Equal(t, []byte("fLaC"), head)
}
