// Package safetensors reads named-tensor archives in the safetensors layout:
// an 8-byte little-endian header length, a JSON header and a flat data region.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

var (
	ErrNotFound  = errors.New("safetensors: tensor not found")
	ErrMalformed = errors.New("safetensors: malformed archive")
	ErrClosed    = errors.New("safetensors: archive closed")
)

// maxHeaderLen bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderLen = 100 << 20

const metadataKey = "__metadata__"

var dtypeSizes = map[string]int64{
	"F64": 8, "I64": 8, "U64": 8,
	"F32": 4, "I32": 4, "U32": 4,
	"F16": 2, "BF16": 2, "I16": 2, "U16": 2,
	"I8": 1, "U8": 1, "BOOL": 1, "F8_E4M3": 1, "F8_E5M2": 1,
}

// byteLen is the number of data bytes a tensor of dtype and shape occupies.
func byteLen(dtype string, shape []int) (int64, error) {
	size, ok := dtypeSizes[dtype]
	if !ok {
		return 0, fmt.Errorf("unknown dtype %q", dtype)
	}
	n := size
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d != 0 && n > math.MaxInt64/int64(d) {
			return 0, fmt.Errorf("shape %v overflows", shape)
		}
		n *= int64(d)
	}
	return n, nil
}

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Size returns the byte length of the tensor data.
func (t TensorInfo) Size() int64 { return t.End - t.Start }

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo

	metadata map[string]string
	buf      []byte
	release  func() error
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps the archive at path read-only. Tensor bytes returned by Get
// borrow the mapping and stay valid until Close.
func Open(path string) (*File, error) {
	buf, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	f, err := parse(buf)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	f.release = release
	return f, nil
}

// FromBytes parses an archive already held in memory. The returned File
// aliases b.
func FromBytes(b []byte) (*File, error) {
	f, err := parse(b)
	if err != nil {
		return nil, err
	}
	f.release = func() error { return nil }
	return f, nil
}

func parse(buf []byte) (*File, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header length prefix", ErrMalformed, len(buf))
	}
	headerLen := binary.LittleEndian.Uint64(buf[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(buf)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds archive size %d", ErrMalformed, headerLen, len(buf))
	}
	dataStart := int64(8 + headerLen)
	dataLen := int64(len(buf)) - dataStart

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf[8:dataStart], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	var metadata map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrMalformed, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrMalformed, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > dataLen {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data region of %d bytes",
				ErrMalformed, name, start, end, dataLen)
		}
		want, err := byteLen(th.DType, th.Shape)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrMalformed, name, err)
		}
		if end-start != want {
			return nil, fmt.Errorf("%w: tensor %s: %s%v needs %d bytes, offsets span %d",
				ErrMalformed, name, th.DType, th.Shape, want, end-start)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{
		DataStart: dataStart,
		Tensors:   tensors,
		metadata:  metadata,
		buf:       buf,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Get returns the raw little-endian bytes of a tensor along with its
// declared dtype and shape. The slice must not be modified.
func (f *File) Get(name string) ([]byte, TensorInfo, error) {
	if f.buf == nil {
		return nil, TensorInfo{}, ErrClosed
	}
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	lo := f.DataStart + t.Start
	hi := f.DataStart + t.End
	return f.buf[lo:hi:hi], t, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Metadata() map[string]string {
	return f.metadata
}

// Close releases the backing mapping. Slices returned by Get must not be
// used afterwards.
func (f *File) Close() error {
	if f == nil || f.buf == nil {
		return nil
	}
	f.buf = nil
	if f.release == nil {
		return nil
	}
	release := f.release
	f.release = nil
	return release()
}

func readAll(file *os.File, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, size), buf); err != nil {
		return nil, err
	}
	return buf, nil
}
