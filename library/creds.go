package library

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// CredsFile stores backend credentials entered interactively.
// Environment variables take precedence over its contents.
type CredsFile string

type CredsFileContent struct {
	DeezerARL          string `json:"deezer_arl"`
	DeezerARLSecondary string `json:"deezer_arl_secondary"`
}

func (f CredsFile) Read() (c *CredsFileContent, err error) {
	file, err := os.OpenFile(f.path(), os.O_RDONLY, 0o0600)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}

		return nil, fmt.Errorf("open creds file: %v", err)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close creds file: %v", closeErr))
		}
	}()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.DecodeWithOption(&c, json.DecodeFieldPriorityFirstWin()); nil != err {
		return nil, fmt.Errorf("decode creds file contents: %v", err)
	}

	return c, nil
}

func (f CredsFile) Write(c CredsFileContent) (err error) {
	file, err := os.OpenFile(f.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o0600)
	if nil != err {
		return fmt.Errorf("open creds file: %v", err)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close creds file: %v", closeErr))
		}
	}()

	if err := json.NewEncoder(file).EncodeWithOption(c); nil != err {
		return fmt.Errorf("encode creds file: %v", err)
	}

	return nil
}

func (f CredsFile) path() string {
	return string(f)
}
