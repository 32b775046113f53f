package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestQuantizePCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"silence", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half negative", -0.5, -16384},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
		{"nan", float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.QuantizePCM16(tt.in); got != tt.want {
				t.Errorf("QuantizePCM16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	t.Parallel()

	got := bytesToSamples(audio.EncodePCM16(nil, []float32{0, 1, -1}))
	want := []int16{0, 32767, -32768}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodePCM16_ReusesBuffer(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0, 64)
	out := audio.EncodePCM16(buf, []float32{0.25, -0.25})
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if &out[0] != &buf[:1][0] {
		t.Error("EncodePCM16 allocated although dst had capacity")
	}
}

func TestPCM16_RoundTripWithinOneStep(t *testing.T) {
	t.Parallel()

	src := make([]float32, 0, 4001)
	for i := -2000; i <= 2000; i++ {
		src = append(src, float32(i)/2000)
	}
	decoded := audio.DecodePCM16(nil, audio.EncodePCM16(nil, src))
	if len(decoded) != len(src) {
		t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(src))
	}
	const step = 1.0 / 32768
	for i, s := range src {
		if d := math.Abs(float64(decoded[i] - s)); d > step {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds %v", i, decoded[i], s, d, step)
		}
	}
}

func TestDecodePCM16_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()

	got := audio.DecodePCM16(nil, []byte{0x00, 0x80, 0x7f})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0] != -1 {
		t.Errorf("sample = %v, want -1", got[0])
	}
}

func TestFloat32LE_RoundTrip(t *testing.T) {
	t.Parallel()

	src := []float32{0, 0.5, -0.75, 1}
	buf := make([]byte, len(src)*4)
	if n := audio.EncodeFloat32LE(buf, src); n != len(src) {
		t.Fatalf("EncodeFloat32LE wrote %d samples, want %d", n, len(src))
	}
	got := audio.DecodeFloat32LE(nil, buf)
	for i := range src {
		if got[i] != src[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], src[i])
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := audio.Duration(480, audio.SampleRate); got != 20*time.Millisecond {
		t.Errorf("Duration(480) = %v, want 20ms", got)
	}
	if got := audio.Duration(10, 0); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}
