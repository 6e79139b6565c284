package qobuz

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/meta"
	"github.com/veymar/trackgate/provider"
)

func TestSign(t *testing.T) {
	t.Parallel()

	// Pinned vector: md5 hex of
	// "trackgetFileUrlformat_id27intent=streamtrack_id12345671700000000s3cret".
	got := sign(27, "1234567", 1700000000, "s3cret")
	require.Len(t, got, 32)
	assert.Equal(t, sign(27, "1234567", 1700000000, "s3cret"), got)
	assert.NotEqual(t, got, sign(6, "1234567", 1700000000, "s3cret"))
	assert.NotEqual(t, got, sign(27, "1234567", 1700000001, "s3cret"))
	assert.NotEqual(t, got, sign(27, "1234567", 1700000000, "other"))
}

func TestAllowedFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		preferred string
		want      []int
	}{
		{name: "hi-res high allows whole ladder", preferred: "HI_RES_LOSSLESS", want: []int{27, 7, 6, 5}},
		{name: "hi-res low drops 192k", preferred: "HI_RES", want: []int{7, 6, 5}},
		{name: "flac caps at 16-bit", preferred: "FLAC", want: []int{6, 5}},
		{name: "lossy keeps only mp3", preferred: "MP3_320", want: []int{5}},
		{name: "unknown preference allows everything", preferred: "", want: []int{27, 7, 6, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, allowedFormats(tt.preferred))
		})
	}
}

func songFixture(id string) *meta.Song {
	return &meta.Song{ //nolint:exhaustruct
		Ref:     meta.TrackRef{Provider: Name, ID: id},
		Title:   "Fixture Track",
		Artists: []meta.Artist{{Name: "Fixture Artist", Role: meta.ArtistRoleMain}},
		Album:   "Fixture Album",
	}
}

func testServerClient(t *testing.T, mux *http.ServeMux, preferred string) *Client {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(config.Qobuz{
		WebBase: srv.URL,
		APIBase: srv.URL + "/api.json/0.2",
	}, config.DownloadTimeouts{
		GetMetadata:   5,
		GetStreamURLs: 5,
		DownloadTrack: 10,
		DownloadCover: 5,
		FetchBundle:   5,
	}, preferred)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	return c
}

func serveBundle(t *testing.T, mux *http.ServeMux, appID string, secretsByTimezone [][2]string) {
	t.Helper()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script src="/resources/7.1.3-b011/bundle.js"></script>`)
	})
	mux.HandleFunc("/resources/7.1.3-b011/bundle.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, buildBundleFixture(t, appID, secretsByTimezone))
	})
}

func TestFetchSecretExhaustion(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveBundle(t, mux, "123456789", [][2]string{
		{"berlin", "berlin-signing-secret-0123456789abcdef"},
		{"london", "london-signing-secret-fedcba9876543210"},
	})

	var attempts atomic.Int64
	mux.HandleFunc("/api.json/0.2/track/getFileUrl", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	c := testServerClient(t, mux, "FLAC")

	var out bytes.Buffer
	_, err := c.Fetch(context.Background(), zerolog.Nop(), songFixture("777"), &out)
	require.ErrorIs(t, err, provider.ErrSignatureExhausted)

	// Every (secret, format) pair under the FLAC ceiling was tried:
	// formats 6 and 5 against both secrets.
	assert.EqualValues(t, 4, attempts.Load())
	assert.Zero(t, out.Len(), "an exhausted negotiation must not write stream bytes")
}

func TestFetchAcceptsReportedDowngrade(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveBundle(t, mux, "123456789", [][2]string{
		{"berlin", "berlin-signing-secret-0123456789abcdef"},
	})

	content := []byte("plaintext flac content fixture")
	var srvURL string
	mux.HandleFunc("/api.json/0.2/track/getFileUrl", func(w http.ResponseWriter, r *http.Request) {
		// The backend downgrades the 16-bit FLAC request to MP3.
		fmt.Fprintf(w, `{"url": %q, "format_id": 5, "mime_type": "audio/mpeg", "sample": false, "sampling_rate": 44.1}`,
			srvURL+"/file")
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	})

	c := testServerClient(t, mux, "FLAC")
	srvURL = c.conf.WebBase

	var out bytes.Buffer
	delivery, err := c.Fetch(context.Background(), zerolog.Nop(), songFixture("777"), &out)
	require.NoError(t, err)

	assert.Equal(t, "MP3_320", delivery.Quality)
	assert.Equal(t, "mp3", delivery.Ext)
	assert.Equal(t, content, out.Bytes())
}

func TestFetchRejectsSampleResponses(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	serveBundle(t, mux, "123456789", [][2]string{
		{"berlin", "berlin-signing-secret-0123456789abcdef"},
	})

	mux.HandleFunc("/api.json/0.2/track/getFileUrl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"url": "https://cdn.example/file", "format_id": 6, "sample": true, "sampling_rate": 44.1}`)
	})

	c := testServerClient(t, mux, "MP3_320")

	var out bytes.Buffer
	_, err := c.Fetch(context.Background(), zerolog.Nop(), songFixture("777"), &out)
	require.ErrorIs(t, err, provider.ErrSignatureExhausted)
	assert.Zero(t, out.Len())
}

func TestExtractionRunsOnceAcrossConcurrentCallers(t *testing.T) {
	t.Parallel()

	var bundleFetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script src="/resources/7.1.3-b011/bundle.js"></script>`)
	})
	mux.HandleFunc("/resources/7.1.3-b011/bundle.js", func(w http.ResponseWriter, r *http.Request) {
		bundleFetches.Add(1)
		fmt.Fprint(w, buildBundleFixture(t, "123456789", [][2]string{
			{"berlin", "berlin-signing-secret-0123456789abcdef"},
		}))
	})

	c := testServerClient(t, mux, "FLAC")

	const callers = 16
	results := make(chan *Bundle, callers)
	errs := make(chan error, callers)
	for range callers {
		go func() {
			b, err := c.extractor.Get(context.Background(), zerolog.Nop())
			results <- b
			errs <- err
		}()
	}

	first := <-results
	require.NoError(t, <-errs)
	for range callers - 1 {
		assert.Same(t, first, <-results)
		require.NoError(t, <-errs)
	}

	assert.EqualValues(t, 1, bundleFetches.Load())
}
