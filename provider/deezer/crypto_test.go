package deezer

import (
	"bytes"
	"crypto/cipher"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blowfish"
)

// encryptStripes applies the stripe scheme to a plaintext fixture the
// way the backend does: every third full 2048-byte chunk is
// Blowfish-CBC encrypted with the fixed IV, the rest passes through.
func encryptStripes(t *testing.T, trackID string, plain []byte) []byte {
	t.Helper()

	block, err := blowfish.NewCipher(trackKey(trackID))
	require.NoError(t, err)

	out := make([]byte, len(plain))
	copy(out, plain)
	for chunk := 0; chunk*chunkSize < len(out); chunk++ {
		start := chunk * chunkSize
		end := start + chunkSize
		if chunk%3 == 0 && end <= len(out) {
			cipher.NewCBCEncrypter(block, chunkIV).CryptBlocks(out[start:end], out[start:end])
		}
	}

	return out
}

func TestDecryptStreamRoundTrip(t *testing.T) {
	t.Parallel()

	const trackID = "3135556"

	tests := []struct {
		name string
		size int
	}{
		{name: "empty stream", size: 0},
		{name: "single truncated chunk", size: 100},
		{name: "exactly one chunk", size: chunkSize},
		{name: "several chunks with truncated tail", size: 5*chunkSize + 777},
		{name: "chunk-aligned multi stripe", size: 9 * chunkSize},
		{name: "truncated stripe chunk at tail", size: 6*chunkSize + 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rng := rand.NewChaCha8([32]byte{1, 2, 3})
			plain := make([]byte, tt.size)
			_, _ = rng.Read(plain)

			enc := encryptStripes(t, trackID, plain)

			var out bytes.Buffer
			require.NoError(t, decryptStream(trackID, bytes.NewReader(enc), &out))
			require.True(t, bytes.Equal(plain, out.Bytes()), "decrypted stream differs from plaintext")
		})
	}
}

func TestDecryptStreamPassThroughChunks(t *testing.T) {
	t.Parallel()

	const trackID = "92719900"

	plain := bytes.Repeat([]byte{0xAB}, 4*chunkSize+321)
	enc := encryptStripes(t, trackID, plain)

	// Chunks 1, 2 and the truncated tail must survive encryption
	// byte-identical; only stripe chunks 0 and 3 may differ.
	assert.Equal(t, plain[chunkSize:3*chunkSize], enc[chunkSize:3*chunkSize])
	assert.Equal(t, plain[4*chunkSize:], enc[4*chunkSize:])
	assert.NotEqual(t, plain[:chunkSize], enc[:chunkSize])
	assert.NotEqual(t, plain[3*chunkSize:4*chunkSize], enc[3*chunkSize:4*chunkSize])

	var out bytes.Buffer
	require.NoError(t, decryptStream(trackID, bytes.NewReader(enc), &out))
	require.Equal(t, plain, out.Bytes())
}

func TestTrackKeyDerivation(t *testing.T) {
	t.Parallel()

	key := trackKey("3135556")
	require.Len(t, key, 16)

	// Key derivation is deterministic and id-sensitive.
	assert.Equal(t, key, trackKey("3135556"))
	assert.NotEqual(t, key, trackKey("3135557"))
}
