package docstore

import (
	"encoding/binary"
	"math"
)

// float32SliceToBytes encodes v as little-endian IEEE-754 floats.
func float32SliceToBytes(v []float32) []byte {
	if len(v) == 0 {
		return []byte{}
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice decodes a blob written by float32SliceToBytes. Trailing
// bytes that do not form a whole float are ignored.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
