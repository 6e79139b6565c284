package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// Stream is an open, seekable handle on an acquired track together with
// its sniffed content type and size. Callers own Close.
type Stream struct {
	io.ReadSeekCloser

	Path        string
	ContentType string
	Size        int64
}

// AcquireAndOpenStream acquires the track and opens it for streaming,
// sniffing the content type from the file head rather than trusting the
// extension.
func (o *Orchestrator) AcquireAndOpenStream(ctx context.Context, providerName, externalID string) (*Stream, error) {
	path, err := o.Acquire(ctx, providerName, externalID)
	if nil != err {
		return nil, err
	}

	f, err := os.Open(path)
	if nil != err {
		return nil, fmt.Errorf("failed to open acquired track: %v", err)
	}

	mime, err := mimetype.DetectReader(f)
	if nil != err {
		f.Close()

		return nil, fmt.Errorf("failed to sniff track content type: %v", err)
	}

	if _, err := f.Seek(0, io.SeekStart); nil != err {
		f.Close()

		return nil, fmt.Errorf("failed to rewind track stream: %v", err)
	}

	info, err := f.Stat()
	if nil != err {
		f.Close()

		return nil, fmt.Errorf("failed to stat acquired track: %v", err)
	}

	return &Stream{
		ReadSeekCloser: f,
		Path:           path,
		ContentType:    mime.String(),
		Size:           info.Size(),
	}, nil
}
