package checkpoint

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// halfToFloat32 is a bit-level IEEE-754 binary16 to binary32 widening used
// as the reference for Decode.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

func f16Bytes(bits ...uint16) []byte {
	out := make([]byte, 2*len(bits))
	for i, b := range bits {
		binary.LittleEndian.PutUint16(out[i*2:], b)
	}
	return out
}

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestDecodeF16EdgeValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		bits uint16
		want float32
	}{
		{"positive zero", 0x0000, 0},
		{"one", 0x3C00, 1},
		{"minus two", 0xC000, -2},
		{"max finite", 0x7BFF, 65504},
		{"smallest subnormal", 0x0001, float32(math.Ldexp(1, -24))},
		{"largest subnormal", 0x03FF, float32(math.Ldexp(1023, -24))},
		{"smallest normal", 0x0400, float32(math.Ldexp(1, -14))},
		{"positive infinity", 0x7C00, float32(math.Inf(1))},
		{"negative infinity", 0xFC00, float32(math.Inf(-1))},
	}
	for _, tc := range cases {
		got, err := Decode(f16Bytes(tc.bits), F16, 1)
		if err != nil {
			t.Fatalf("%s: Decode: %v", tc.name, err)
		}
		if math.Float32bits(got[0]) != math.Float32bits(tc.want) {
			t.Fatalf("%s: got %v (%#08x) want %v", tc.name, got[0], math.Float32bits(got[0]), tc.want)
		}
	}

	negZero, err := Decode(f16Bytes(0x8000), F16, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if math.Float32bits(negZero[0]) != 0x80000000 {
		t.Fatalf("negative zero lost its sign: %#08x", math.Float32bits(negZero[0]))
	}

	for _, bits := range []uint16{0x7E00, 0x7C01, 0xFE00, 0xFFFF} {
		got, err := Decode(f16Bytes(bits), F16, 1)
		if err != nil {
			t.Fatalf("Decode NaN %#04x: %v", bits, err)
		}
		if !math.IsNaN(float64(got[0])) {
			t.Fatalf("%#04x: expected NaN, got %v", bits, got[0])
		}
		if math.Signbit(float64(got[0])) != (bits&0x8000 != 0) {
			t.Fatalf("%#04x: NaN sign not preserved", bits)
		}
	}
}

func TestDecodeF16MatchesReferenceForAllPatterns(t *testing.T) {
	t.Parallel()
	bits := make([]uint16, 1<<16)
	for i := range bits {
		bits[i] = uint16(i)
	}
	got, err := Decode(f16Bytes(bits...), F16, len(bits))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, h := range bits {
		want := halfToFloat32(h)
		if math.IsNaN(float64(want)) {
			if !math.IsNaN(float64(got[i])) {
				t.Fatalf("%#04x: expected NaN, got %v", h, got[i])
			}
			continue
		}
		if math.Float32bits(got[i]) != math.Float32bits(want) {
			t.Fatalf("%#04x: got %#08x want %#08x", h, math.Float32bits(got[i]), math.Float32bits(want))
		}
	}
}

func TestDecodeF32ReinterpretsBits(t *testing.T) {
	t.Parallel()
	values := []float32{0, -1.5, float32(math.Inf(1)), math.SmallestNonzeroFloat32, math.MaxFloat32}
	got, err := Decode(f32Bytes(values...), F32, len(values))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, v := range values {
		if math.Float32bits(got[i]) != math.Float32bits(v) {
			t.Fatalf("element %d: got %v want %v", i, got[i], v)
		}
	}
}

func TestDecodeByteCountMismatch(t *testing.T) {
	t.Parallel()
	if _, err := Decode(make([]byte, 6), F32, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("F32: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Decode(make([]byte, 3), F16, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("F16: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Decode(make([]byte, 8), Encoding(9), 2); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestMaterializeTransposeMatchesSwapOfPlainLoad(t *testing.T) {
	t.Parallel()
	// Stored as [n, m] = [3, 2, 2].
	values := make([]float32, 12)
	for i := range values {
		values[i] = float32(i) + 0.25
	}
	raw := f32Bytes(values...)

	transposed, err := Materialize(raw, F32, []int{2, 3, 2}, true)
	if err != nil {
		t.Fatalf("Materialize transpose: %v", err)
	}
	plain, err := Materialize(raw, F32, []int{3, 2, 2}, false)
	if err != nil {
		t.Fatalf("Materialize plain: %v", err)
	}
	want := plain.SwapAxes01()

	if len(transposed.Shape) != 3 || transposed.Shape[0] != 2 || transposed.Shape[1] != 3 || transposed.Shape[2] != 2 {
		t.Fatalf("unexpected shape %v", transposed.Shape)
	}
	for i := range want.Data {
		if transposed.Data[i] != want.Data[i] {
			t.Fatalf("element %d: got %v want %v", i, transposed.Data[i], want.Data[i])
		}
	}
}

func TestMaterializeTransposeF16Matrix(t *testing.T) {
	t.Parallel()
	// [out=2, in=3] stored; target [in=3, out=2].
	raw := f16Bytes(0x3C00, 0x4000, 0x4200, 0x4400, 0x4500, 0x4600) // 1 2 3 4 5 6
	got, err := Materialize(raw, F16, []int{3, 2}, true)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("got %v want %v", got.Data, want)
		}
	}
}

func TestMaterializeRejectsRankOneTranspose(t *testing.T) {
	t.Parallel()
	if _, err := Materialize(f32Bytes(1, 2), F32, []int{2}, true); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()
	if e, err := ParseEncoding("F16"); err != nil || e != F16 {
		t.Fatalf("F16: got %v, %v", e, err)
	}
	if e, err := ParseEncoding("F32"); err != nil || e != F32 {
		t.Fatalf("F32: got %v, %v", e, err)
	}
	if _, err := ParseEncoding("BF16"); err == nil {
		t.Fatal("expected BF16 to be rejected")
	}
}
