package audio

import (
	"encoding/binary"
	"math"
)

// QuantizePCM16 maps a float sample to a signed 16-bit integer. The input is
// clamped to [-1, 1]; negative values scale by 32768 and non-negative values
// by 32767 so that both ends of the range are reachable without overflow.
// NaN maps to silence.
func QuantizePCM16(s float32) int16 {
	if s != s {
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodePCM16 quantises src into little-endian PCM16 bytes. dst is reused
// when it has enough capacity, so callers on a hot path can hand back the
// previous buffer.
func EncodePCM16(dst []byte, src []float32) []byte {
	n := len(src) * BytesPerSample
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(QuantizePCM16(s)))
	}
	return dst
}

// DecodePCM16 converts little-endian PCM16 bytes to floats by dividing each
// sample by 32768. A trailing odd byte is ignored.
func DecodePCM16(dst []float32, src []byte) []float32 {
	n := len(src) / BytesPerSample
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(src[i*2:]))) / 32768
	}
	return dst
}

// DecodeFloat32LE reinterprets little-endian IEEE-754 bytes as samples. Device
// backends deliver interleaved f32 data in this layout.
func DecodeFloat32LE(dst []float32, src []byte) []float32 {
	n := len(src) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return dst
}

// EncodeFloat32LE writes samples into dst as little-endian IEEE-754 floats.
// It writes min(len(src), len(dst)/4) samples and returns that count.
func EncodeFloat32LE(dst []byte, src []float32) int {
	n := min(len(src), len(dst)/4)
	for i := range n {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(src[i]))
	}
	return n
}

// PCM16ToInt16 converts little-endian PCM16 bytes into an int16 slice,
// reusing dst when possible.
func PCM16ToInt16(dst []int16, src []byte) []int16 {
	n := len(src) / BytesPerSample
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return dst
}
