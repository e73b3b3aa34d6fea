//go:build !unix

package safetensors

import (
	"fmt"
	"os"
)

func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() <= 0 {
		return nil, nil, fmt.Errorf("%s: %w: empty file", path, ErrMalformed)
	}
	buf, err := readAll(f, st.Size())
	if err != nil {
		return nil, nil, err
	}
	return buf, func() error { return nil }, nil
}
