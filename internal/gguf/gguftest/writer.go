// Package gguftest writes small GGUF containers for tests.
package gguftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"
	"testing"

	"github.com/x448/float16"

	"github.com/samcharles93/halo/internal/gguf"
)

// KV is one metadata entry. Supported value types: string, bool, uint32,
// int32, uint64, float32, []string, []int32, []float32.
type KV struct {
	Key   string
	Value any
}

type Tensor struct {
	Name string
	Dims []uint64
	Type gguf.TensorType
	Data []byte
}

// F32 returns an F32 tensor with the given dims.
func F32(name string, vals []float32, dims ...uint64) Tensor {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return Tensor{Name: name, Dims: dims, Type: gguf.TypeF32, Data: b}
}

// F16 returns an F16 tensor with the given dims.
func F16(name string, vals []float32, dims ...uint64) Tensor {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(v).Bits())
	}
	return Tensor{Name: name, Dims: dims, Type: gguf.TypeF16, Data: b}
}

// Q8_0 quantizes vals into 32-value blocks, each an f16 scale followed by
// 32 int8 values. len(vals) must be a multiple of 32.
func Q8_0(name string, vals []float32, dims ...uint64) Tensor {
	const blockLen = 32
	if len(vals)%blockLen != 0 {
		panic(fmt.Sprintf("gguftest: q8_0 tensor %s has %d values", name, len(vals)))
	}
	b := make([]byte, 0, len(vals)/blockLen*(2+blockLen))
	for blk := range slices.Chunk(vals, blockLen) {
		var amax float32
		for _, v := range blk {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := float16.Fromfloat32(amax / 127)
		b = binary.LittleEndian.AppendUint16(b, d.Bits())
		inv := float32(0)
		if df := d.Float32(); df != 0 {
			inv = 1 / df
		}
		for _, v := range blk {
			q := math.Round(float64(v * inv))
			b = append(b, byte(int8(max(-127, min(127, q)))))
		}
	}
	return Tensor{Name: name, Dims: dims, Type: gguf.TypeQ8_0, Data: b}
}

// Encode builds a version 3 GGUF image in memory.
func Encode(kvs []KV, tensors []Tensor) ([]byte, error) {
	const alignment = 32
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	ws := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}

	buf.WriteString("GGUF")
	w(uint32(3))
	w(uint64(len(tensors)))
	w(uint64(len(kvs)))

	for _, kv := range kvs {
		ws(kv.Key)
		switch v := kv.Value.(type) {
		case string:
			w(uint32(gguf.TypeString))
			ws(v)
		case bool:
			w(uint32(gguf.TypeBool))
			if v {
				w(uint8(1))
			} else {
				w(uint8(0))
			}
		case uint32:
			w(uint32(gguf.TypeUint32))
			w(v)
		case int32:
			w(uint32(gguf.TypeInt32))
			w(v)
		case uint64:
			w(uint32(gguf.TypeUint64))
			w(v)
		case float32:
			w(uint32(gguf.TypeFloat32))
			w(v)
		case []string:
			w(uint32(gguf.TypeArray))
			w(uint32(gguf.TypeString))
			w(uint64(len(v)))
			for _, s := range v {
				ws(s)
			}
		case []int32:
			w(uint32(gguf.TypeArray))
			w(uint32(gguf.TypeInt32))
			w(uint64(len(v)))
			w(v)
		case []float32:
			w(uint32(gguf.TypeArray))
			w(uint32(gguf.TypeFloat32))
			w(uint64(len(v)))
			w(v)
		default:
			return nil, fmt.Errorf("gguftest: unsupported value %T for %s", v, kv.Key)
		}
	}

	offsets := make([]uint64, len(tensors))
	var next uint64
	for i, t := range tensors {
		offsets[i] = next
		next += uint64(len(t.Data))
		next = (next + alignment - 1) / alignment * alignment
	}
	for i, t := range tensors {
		ws(t.Name)
		w(uint32(len(t.Dims)))
		for _, d := range t.Dims {
			w(d)
		}
		w(uint32(t.Type))
		w(offsets[i])
	}

	pad := func() {
		for buf.Len()%alignment != 0 {
			buf.WriteByte(0)
		}
	}
	pad()
	for _, t := range tensors {
		buf.Write(t.Data)
		pad()
	}
	return buf.Bytes(), nil
}

// Write encodes a container to path and fails the test on error.
func Write(tb testing.TB, path string, kvs []KV, tensors []Tensor) {
	tb.Helper()
	b, err := Encode(kvs, tensors)
	if err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}
