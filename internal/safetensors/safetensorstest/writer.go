// Package safetensorstest builds safetensors archives for tests. Entries
// are written as given so callers can also produce malformed archives.
package safetensorstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

const metadataKey = "__metadata__"

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Entry is one tensor to serialize.
type Entry struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Write serializes entries in order, padding the header to an 8-byte
// boundary.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, e := range entries {
		if e.Name == metadataKey {
			return fmt.Errorf("safetensorstest: reserved tensor name %q", e.Name)
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("safetensorstest: duplicate tensor %q", e.Name)
		}
		end := offset + int64(len(e.Data))
		header[e.Name] = tensorHeader{
			DType:       e.DType,
			Shape:       e.Shape,
			DataOffsets: []int64{offset, end},
		}
		offset = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := w.Write(e.Data); err != nil {
			return fmt.Errorf("write tensor %s: %w", e.Name, err)
		}
	}
	return nil
}

// WriteFile writes entries to path.
func WriteFile(path string, entries []Entry, metadata map[string]string) error {
	var buf bytes.Buffer
	if err := Write(&buf, entries, metadata); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
