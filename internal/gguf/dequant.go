package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

const (
	QK_K          = 256
	qk8_0         = 32
	q8_0BlockSize = 2 + qk8_0
	q4kBlockSize  = 2 + 2 + 12 + 128
	q6kBlockSize  = 2 + 128 + 64 + 16
)

// blockShape returns the elements and bytes per block for t.
func blockShape(t TensorType) (elems, bytes int, ok bool) {
	switch t {
	case TypeF32:
		return 1, 4, true
	case TypeF16, TypeBF16:
		return 1, 2, true
	case TypeQ8_0:
		return qk8_0, q8_0BlockSize, true
	case TypeQ4_K:
		return QK_K, q4kBlockSize, true
	case TypeQ6_K:
		return QK_K, q6kBlockSize, true
	}
	return 0, 0, false
}

// BlockElements returns how many values one encoded block of t holds.
// Row lengths of a quantized matrix must be a multiple of it.
func BlockElements(t TensorType) (int, error) {
	elems, _, ok := blockShape(t)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return elems, nil
}

// ByteSize returns the encoded size of n values of type t.
func ByteSize(t TensorType, n int) (int, error) {
	elems, bytes, ok := blockShape(t)
	if !ok {
		return 0, ErrUnsupportedType
	}
	if n%elems != 0 {
		return 0, fmt.Errorf("%s: n must be multiple of %d", t, elems)
	}
	return n / elems * bytes, nil
}

// Dequantize decodes n values of type t from data.
func Dequantize(t TensorType, data []byte, n int) ([]float32, error) {
	if _, _, ok := blockShape(t); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	out := make([]float32, n)
	if err := DequantizeInto(t, out, data); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto decodes len(dst) values of type t from data into dst.
// data must hold exactly the encoded size of len(dst) values.
func DequantizeInto(t TensorType, dst []float32, data []byte) error {
	size, err := ByteSize(t, len(dst))
	if err != nil {
		if errors.Is(err, ErrUnsupportedType) {
			return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
		}
		return err
	}
	if len(data) != size {
		return fmt.Errorf("%s: invalid data length %d for n=%d", t, len(data), len(dst))
	}
	switch t {
	case TypeF32:
		for i := range dst {
			dst[i] = float32frombits(data[i*4:])
		}
	case TypeF16:
		for i := range dst {
			dst[i] = fp16ToFloat32(data[i*2:])
		}
	case TypeBF16:
		for i := range dst {
			dst[i] = bf16ToFloat32(data[i*2:])
		}
	case TypeQ8_0:
		for b := range len(dst) / qk8_0 {
			dequantQ8_0Block(dst[b*qk8_0:(b+1)*qk8_0], data[b*q8_0BlockSize:(b+1)*q8_0BlockSize])
		}
	case TypeQ4_K:
		for b := range len(dst) / QK_K {
			dequantQ4KBlock(dst[b*QK_K:(b+1)*QK_K], data[b*q4kBlockSize:(b+1)*q4kBlockSize])
		}
	case TypeQ6_K:
		for b := range len(dst) / QK_K {
			dequantQ6KBlock(dst[b*QK_K:(b+1)*QK_K], data[b*q6kBlockSize:(b+1)*q6kBlockSize])
		}
	}
	return nil
}

// dequantQ8_0Block decodes 32 int8 values sharing one f16 scale.
func dequantQ8_0Block(y []float32, blk []byte) {
	d := fp16ToFloat32(blk)
	for i, q := range blk[2:] {
		y[i] = d * float32(int8(q))
	}
}

// dequantQ4KBlock decodes a super-block of 256 4-bit values with 6-bit
// packed per-sub-block scales and mins.
func dequantQ4KBlock(y []float32, blk []byte) {
	d := fp16ToFloat32(blk[0:2])
	dmin := fp16ToFloat32(blk[2:4])
	scales := blk[4:16]
	q := blk[16:]

	yi, is := 0, 0
	for j := 0; j < QK_K; j += 64 {
		sc1, m1 := scaleMinK4(is, scales)
		sc2, m2 := scaleMinK4(is+1, scales)
		d1, mm1 := d*float32(sc1), dmin*float32(m1)
		d2, mm2 := d*float32(sc2), dmin*float32(m2)
		for l := range 32 {
			y[yi+l] = d1*float32(q[l]&0x0F) - mm1
			y[yi+32+l] = d2*float32(q[l]>>4) - mm2
		}
		yi += 64
		q = q[32:]
		is += 2
	}
}

// dequantQ6KBlock decodes a super-block of 256 6-bit values split into low
// nibbles and high 2-bit planes with signed 8-bit sub-block scales.
func dequantQ6KBlock(y []float32, blk []byte) {
	ql := blk[0:128]
	qh := blk[128:192]
	sc := blk[192:208]
	d := fp16ToFloat32(blk[208:210])

	for half := range 2 {
		yo := y[half*128:]
		l0 := ql[half*64:]
		h0 := qh[half*32:]
		s0 := sc[half*8:]
		for l := range 32 {
			is := l / 16
			q1 := int8((l0[l]&0x0F)|((h0[l]>>0)&3)<<4) - 32
			q2 := int8((l0[l+32]&0x0F)|((h0[l]>>2)&3)<<4) - 32
			q3 := int8((l0[l]>>4)|((h0[l]>>4)&3)<<4) - 32
			q4 := int8((l0[l+32]>>4)|((h0[l]>>6)&3)<<4) - 32
			yo[l] = d * float32(int8(s0[is])) * float32(q1)
			yo[l+32] = d * float32(int8(s0[is+2])) * float32(q2)
			yo[l+64] = d * float32(int8(s0[is+4])) * float32(q3)
			yo[l+96] = d * float32(int8(s0[is+6])) * float32(q4)
		}
	}
}

func scaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

func fp16ToFloat32(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

func bf16ToFloat32(b []byte) float32 {
	return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
}

func float32frombits(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
