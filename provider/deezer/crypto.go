package deezer

import (
	"crypto/cipher"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blowfish"

	"github.com/veymar/trackgate/provider"
)

const chunkSize = 2048

var chunkIV = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

const trackKeySecret = "g4el58wc0zvf9na1"

// trackKey derives the per-track Blowfish key: the MD5 hex digest of the
// track id, folded in half with XOR and mixed with the fixed secret.
func trackKey(trackID string) []byte {
	sum := md5.Sum([]byte(trackID)) //nolint:gosec
	digest := hex.EncodeToString(sum[:])

	key := make([]byte, 16)
	for i := range key {
		key[i] = digest[i] ^ digest[i+16] ^ trackKeySecret[i]
	}

	return key
}

// decryptStream copies the track stream from r to w, undoing the stripe
// scheme: the stream is cut into 2048-byte chunks and every third full
// chunk (0-indexed) is Blowfish-CBC encrypted with a fixed IV. All other
// chunks, including a truncated final one, pass through unchanged.
// Chunks must be written in order; any misalignment corrupts the audio
// irrecoverably.
func decryptStream(trackID string, r io.Reader, w io.Writer) error {
	block, err := blowfish.NewCipher(trackKey(trackID))
	if nil != err {
		return fmt.Errorf("%w: %v", provider.ErrDecryptionFailed, err)
	}

	buf := make([]byte, chunkSize)
	for chunk := 0; ; chunk++ {
		n, err := io.ReadFull(r, buf)
		if nil != err && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("failed to read track chunk %d: %v", chunk, err)
		}

		if n == chunkSize && chunk%3 == 0 {
			cipher.NewCBCDecrypter(block, chunkIV).CryptBlocks(buf, buf)
		}

		if _, writeErr := w.Write(buf[:n]); nil != writeErr {
			return fmt.Errorf("failed to write track chunk %d: %v", chunk, writeErr)
		}

		if nil != err {
			// Truncated final chunk.
			return nil
		}
	}
}
