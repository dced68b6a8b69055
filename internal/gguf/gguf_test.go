package gguf_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/halo/internal/gguf"
	"github.com/samcharles93/halo/internal/gguf/gguftest"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	gguftest.Write(t, path,
		[]gguftest.KV{
			{Key: "general.architecture", Value: "llama"},
			{Key: "llama.block_count", Value: uint32(2)},
			{Key: "tokenizer.ggml.tokens", Value: []string{"<s>", "</s>", "a"}},
		},
		[]gguftest.Tensor{
			gguftest.F32("w", []float32{1, 2, 3, 4, 5, 6}, 3, 2),
			gguftest.F32("b", []float32{0.5, -0.5}, 2),
		},
	)
	return path
}

func TestOpenParsesHeaderAndTensors(t *testing.T) {
	t.Parallel()

	for _, mmap := range []bool{true, false} {
		f, err := gguf.OpenWith(writeFixture(t), gguf.Options{Mmap: mmap})
		if err != nil {
			t.Fatalf("mmap=%v: open: %v", mmap, err)
		}
		if f.Header.Version != 3 || f.Header.TensorCount != 2 || f.Header.KVCount != 3 {
			t.Fatalf("unexpected header %+v", f.Header)
		}
		if f.Architecture() != "llama" {
			t.Fatalf("architecture = %q", f.Architecture())
		}
		if f.Mapped() != mmap {
			t.Fatalf("mapped = %v, want %v", f.Mapped(), mmap)
		}
		toks, ok := gguf.GetArray[string](f.KV, "tokenizer.ggml.tokens")
		if !ok || len(toks) != 3 {
			t.Fatalf("tokens = %v ok=%v", toks, ok)
		}

		w, info, err := f.ReadTensorF32("w")
		if err != nil {
			t.Fatalf("read w: %v", err)
		}
		if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, w); diff != "" {
			t.Fatalf("w mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]uint64{3, 2}, info.Dims); diff != "" {
			t.Fatalf("dims mismatch (-want +got):\n%s", diff)
		}
		b, _, err := f.ReadTensorF32("b")
		if err != nil {
			t.Fatalf("read b: %v", err)
		}
		if diff := cmp.Diff([]float32{0.5, -0.5}, b); diff != "" {
			t.Fatalf("b mismatch (-want +got):\n%s", diff)
		}
		if _, _, err := f.ReadTensorF32("missing"); !errors.Is(err, gguf.ErrTensorNotFound) {
			t.Fatalf("expected ErrTensorNotFound, got %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
	}
}

func TestOpenRejectsMalformedContainers(t *testing.T) {
	t.Parallel()

	valid, err := gguftest.Encode(
		[]gguftest.KV{{Key: "general.architecture", Value: "llama"}},
		[]gguftest.Tensor{gguftest.F32("w", make([]float32, 64), 8, 8)},
	)
	if err != nil {
		t.Fatal(err)
	}

	badMagic := append([]byte("GGML"), valid[4:]...)
	badVersion := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(badVersion[4:], 1)
	truncatedHeader := valid[:20]
	truncatedData := valid[:len(valid)-64]

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"bad-magic", badMagic, gguf.ErrInvalidMagic},
		{"bad-version", badVersion, gguf.ErrUnsupportedVersion},
		{"truncated-header", truncatedHeader, nil},
		{"tensor-beyond-eof", truncatedData, nil},
		{"empty", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.gguf")
			if err := os.WriteFile(path, tc.data, 0o644); err != nil {
				t.Fatal(err)
			}
			f, err := gguf.Open(path)
			if err == nil {
				_ = f.Close()
				t.Fatalf("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOpenRejectsOversizedArrayCount(t *testing.T) {
	t.Parallel()

	// One string-array entry whose count fits in the remaining bytes but
	// not at 8 bytes per string.
	var b []byte
	b = append(b, "GGUF"...)
	b = binary.LittleEndian.AppendUint32(b, 3)
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint64(b, 1)
	b = binary.LittleEndian.AppendUint64(b, uint64(len("tokens")))
	b = append(b, "tokens"...)
	b = binary.LittleEndian.AppendUint32(b, uint32(gguf.TypeArray))
	b = binary.LittleEndian.AppendUint32(b, uint32(gguf.TypeString))
	b = binary.LittleEndian.AppendUint64(b, 500)
	b = append(b, make([]byte, 800)...)

	path := filepath.Join(t.TempDir(), "array.gguf")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Open(path)
	if err == nil {
		_ = f.Close()
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "array length too large") {
		t.Fatalf("count not rejected up front: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	_, err := gguf.Open(filepath.Join(t.TempDir(), "nope.gguf"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDequantizeQ8_0(t *testing.T) {
	t.Parallel()

	block := make([]byte, 34)
	// f16 0.5 = 0x3800
	binary.LittleEndian.PutUint16(block, 0x3800)
	for i := range 32 {
		block[2+i] = byte(int8(i - 16))
	}
	out, err := gguf.Dequantize(gguf.TypeQ8_0, block, 32)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if want := 0.5 * float32(i-16); v != want {
			t.Fatalf("out[%d] = %v want %v", i, v, want)
		}
	}
	if _, err := gguf.Dequantize(gguf.TypeQ8_0, block[:33], 32); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestDequantizeF16AndUnsupported(t *testing.T) {
	t.Parallel()

	// 1.0 = 0x3c00, -2.0 = 0xc000
	raw := []byte{0x00, 0x3c, 0x00, 0xc0}
	out, err := gguf.Dequantize(gguf.TypeF16, raw, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, -2}, out); diff != "" {
		t.Fatalf("f16 mismatch (-want +got):\n%s", diff)
	}
	if _, err := gguf.Dequantize(gguf.TypeQ5_K, make([]byte, 176), 256); !errors.Is(err, gguf.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestDequantizeQ4KZeroScalesYieldZero(t *testing.T) {
	t.Parallel()

	out, err := gguf.Dequantize(gguf.TypeQ4_K, make([]byte, 144), 256)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v want 0", i, v)
		}
	}
}

func assertValues(t *testing.T, out []float32, want map[int]float32) {
	t.Helper()
	for i, w := range want {
		if out[i] != w {
			t.Errorf("out[%d] = %v want %v", i, out[i], w)
		}
	}
}

func TestDequantizeQ4KKnownBlock(t *testing.T) {
	t.Parallel()

	blk := make([]byte, 144)
	binary.LittleEndian.PutUint16(blk[0:], 0x3c00) // d = 1
	binary.LittleEndian.PutUint16(blk[2:], 0x3800) // dmin = 0.5
	sc := blk[4:16]
	// Sub-blocks 0-3 take 6-bit scales from sc[0:4] and mins from sc[4:8].
	// Sub-blocks 4-7 take their low nibbles from sc[8:12] and the top two
	// bits from sc[0:4] (scales) and sc[4:8] (mins).
	sc[0], sc[1], sc[2], sc[3] = 0x41, 2, 3, 4 // scales 1,2,3,4; sub 4 scale gets high bits 01
	sc[4], sc[5], sc[6], sc[7] = 0x85, 6, 7, 8 // mins 5,6,7,8; sub 4 min gets high bits 10
	sc[8] = 0x23                               // sub 4: scale 3|16 = 19, min 2|32 = 34
	q := blk[16:]
	q[0] = 0x7a  // sub 0 gets 10, sub 1 gets 7
	q[64] = 0x3f // sub 4 gets 15, sub 5 gets 3

	out, err := gguf.Dequantize(gguf.TypeQ4_K, blk, 256)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, out, map[int]float32{
		0:   1*10 - 0.5*5,
		1:   -0.5 * 5,
		32:  2*7 - 0.5*6,
		33:  -0.5 * 6,
		64:  -0.5 * 7,
		96:  -0.5 * 8,
		128: 19*15 - 0.5*34,
		129: -0.5 * 34,
		160: 0,
		255: 0,
	})
}

func TestDequantizeQ6KKnownBlock(t *testing.T) {
	t.Parallel()

	blk := make([]byte, 210)
	ql, qh, sc := blk[0:128], blk[128:192], blk[192:208]
	binary.LittleEndian.PutUint16(blk[208:], 0x3800) // d = 0.5
	for i, v := range []int8{2, -3, 4, 0, 1, 0, -1, 0, 5} {
		sc[i] = byte(v)
	}
	// qh[0] carries the top two bits of positions 0, 32, 64 and 96.
	ql[0] = 0x21
	ql[32] = 0x54
	qh[0] = 3 | 1<<2 | 2<<4 | 3<<6
	// Second half: ql[64] and qh[32] feed position 128.
	ql[64] = 0x0f
	qh[32] = 2

	out, err := gguf.Dequantize(gguf.TypeQ6_K, blk, 256)
	if err != nil {
		t.Fatal(err)
	}
	// q = (low nibble | high bits<<4) - 32, value = d * scale * q
	assertValues(t, out, map[int]float32{
		0:   0.5 * 2 * 17,
		1:   0.5 * 2 * -32,
		16:  0.5 * -3 * -32,
		32:  0.5 * 4 * -12,
		48:  0,
		64:  0.5 * 1 * 2,
		96:  0.5 * -1 * 21,
		128: 0.5 * 5 * 15,
		129: 0.5 * 5 * -32,
		255: 0,
	})
}
