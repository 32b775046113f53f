package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/media"
	"github.com/MrWong99/parley/pkg/media/mock"
)

func audioStream(t *testing.T, video bool) (*mock.Stream, media.Stream) {
	t.Helper()
	devs := &mock.Devices{}
	s, err := devs.GetUserMedia(context.Background(), media.Constraints{Audio: true, Video: video})
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	return devs.LastStream(), s
}

func TestNewWAVHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, newWAVHeader(24000, 960)); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if len(b) != 44 {
		t.Fatalf("header length = %d, want 44", len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q %q %q", b[0:4], b[8:12], b[36:40])
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != 36+960 {
		t.Errorf("riff size = %d, want %d", got, 36+960)
	}
	if got := binary.LittleEndian.Uint32(b[24:28]); got != 24000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(b[28:32]); got != 48000 {
		t.Errorf("byte rate = %d, want 48000", got)
	}

	h := newWAVHeader(24000, streamingSize)
	if h.ChunkSize != streamingSize || h.Subchunk2Size != streamingSize {
		t.Errorf("streaming header sizes = %d/%d", h.ChunkSize, h.Subchunk2Size)
	}
}

func TestWAVRecorderCollectsEveryBlock(t *testing.T) {
	t.Parallel()

	ms, stream := audioStream(t, false)
	codecs, err := Lookup([]string{MimeWAV})
	if err != nil {
		t.Fatal(err)
	}
	p, err := Negotiate(context.Background(), stream, codecs, Options{Timeslice: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	block := []float32{-1, 0, 0.5, 1}
	for range 10 {
		ms.Audio.Emit(block)
	}

	blob, err := p.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if blob.MimeType != MimeWAV || blob.Extension() != ".wav" {
		t.Errorf("blob type = %q (%s)", blob.MimeType, blob.Extension())
	}
	if want := 44 + 10*len(block)*2; len(blob.Data) != want {
		t.Fatalf("blob length = %d, want %d", len(blob.Data), want)
	}
	if got := int16(binary.LittleEndian.Uint16(blob.Data[44:])); got != -32768 {
		t.Errorf("first sample = %d, want -32768", got)
	}
	if ms.Audio.Taps() != 0 {
		t.Errorf("tap still registered after Finalize")
	}
}

func TestOggPageLayout(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := newOggWriter(&buf, 0xCAFE)
	packet := bytes.Repeat([]byte{0xAB}, 300)
	if err := w.WritePacket(packet, 960, oggBOS); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePacket([]byte{1, 2, 3}, 1920, oggEOS); err != nil {
		t.Fatal(err)
	}

	b := buf.Bytes()
	first := b[:27+2+300]
	if string(first[0:4]) != "OggS" {
		t.Fatalf("capture pattern = %q", first[0:4])
	}
	if first[5] != oggBOS {
		t.Errorf("flags = %#x, want BOS", first[5])
	}
	if got := binary.LittleEndian.Uint64(first[6:14]); got != 960 {
		t.Errorf("granule = %d", got)
	}
	if got := binary.LittleEndian.Uint32(first[14:18]); got != 0xCAFE {
		t.Errorf("serial = %#x", got)
	}
	if first[26] != 2 || first[27] != 255 || first[28] != 45 {
		t.Errorf("lacing = %d [%d %d], want 2 [255 45]", first[26], first[27], first[28])
	}

	stored := binary.LittleEndian.Uint32(first[22:26])
	check := bytes.Clone(first)
	binary.LittleEndian.PutUint32(check[22:26], 0)
	if got := oggCRC(check); got != stored {
		t.Errorf("crc = %#x, stored %#x", got, stored)
	}

	second := b[len(first):]
	if second[5] != oggEOS {
		t.Errorf("second page flags = %#x, want EOS", second[5])
	}
	if got := binary.LittleEndian.Uint32(second[18:22]); got != 1 {
		t.Errorf("second page sequence = %d, want 1", got)
	}
}

func TestOggCRCKnownValue(t *testing.T) {
	t.Parallel()

	// CRC-32/MPEG-2 without the final xor and init of zero: "123456789" -> 0x89A1897F.
	if got := oggCRC([]byte("123456789")); got != 0x89A1897F {
		t.Errorf("oggCRC = %#x, want 0x89a1897f", got)
	}
}

func TestOpusHeaders(t *testing.T) {
	t.Parallel()

	head := opusHead(24000)
	if len(head) != 19 || string(head[:8]) != "OpusHead" {
		t.Fatalf("OpusHead = %q", head)
	}
	if head[9] != 1 {
		t.Errorf("channels = %d", head[9])
	}
	if got := binary.LittleEndian.Uint16(head[10:12]); got != opusPreSkip {
		t.Errorf("pre-skip = %d", got)
	}
	if got := binary.LittleEndian.Uint32(head[12:16]); got != 24000 {
		t.Errorf("input rate = %d", got)
	}

	tags := opusTags()
	if string(tags[:8]) != "OpusTags" || !bytes.Contains(tags, []byte("parley")) {
		t.Errorf("OpusTags = %q", tags)
	}
}

func TestOpusRecorderProducesOggStream(t *testing.T) {
	t.Parallel()

	ms, stream := audioStream(t, false)
	if err := checkOpus(context.Background(), stream, Options{}); err != nil {
		t.Skipf("opus unavailable: %v", err)
	}
	codecs, _ := Lookup([]string{MimeOggOpus})
	p, err := Negotiate(context.Background(), stream, codecs, Options{Timeslice: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	block := make([]float32, 480)
	for i := range block {
		block[i] = 0.25
	}
	for range 5 {
		ms.Audio.Emit(block)
	}

	blob, err := p.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.HasPrefix(blob.Data, []byte("OggS")) {
		t.Fatalf("blob does not start with an Ogg page")
	}
	if !bytes.Contains(blob.Data, []byte("OpusHead")) || !bytes.Contains(blob.Data, []byte("OpusTags")) {
		t.Errorf("missing Opus headers")
	}

	// The last page carries EOS.
	last := bytes.LastIndex(blob.Data, []byte("OggS"))
	if blob.Data[last+5]&oggEOS == 0 {
		t.Errorf("last page flags = %#x, want EOS", blob.Data[last+5])
	}
}

func TestChunkerFlushesOnTimesliceAndClose(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		chunks [][]byte
	)
	c := newChunker(5*time.Millisecond, func(b []byte) {
		mu.Lock()
		chunks = append(chunks, b)
		mu.Unlock()
	})
	_, _ = c.Write([]byte("ab"))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(chunks)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeslice never emitted")
		}
		time.Sleep(time.Millisecond)
	}

	_, _ = c.Write([]byte("cd"))
	c.Close()
	c.Close()
	_, _ = c.Write([]byte("late"))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || string(chunks[0]) != "ab" || string(chunks[1]) != "cd" {
		t.Errorf("chunks = %q, want [ab cd]", chunks)
	}
}

func TestFFmpegCodecNeedsVideo(t *testing.T) {
	t.Parallel()

	_, stream := audioStream(t, false)
	c, _ := Builtin(MimeWebM)
	err := c.Check(context.Background(), stream, Options{})
	if !errors.Is(err, ErrCodecUnavailable) {
		t.Errorf("Check without camera = %v, want ErrCodecUnavailable", err)
	}
}

func TestFFmpegCodecMissingBinary(t *testing.T) {
	t.Parallel()

	_, stream := audioStream(t, true)
	c, _ := Builtin(MimeMatroska)
	err := c.Check(context.Background(), stream, Options{FFmpegPath: "/nonexistent/ffmpeg"})
	if !errors.Is(err, ErrCodecUnavailable) {
		t.Errorf("Check with missing ffmpeg = %v, want ErrCodecUnavailable", err)
	}
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()

	_, stream := audioStream(t, true)
	r, err := newFFmpegRecorder(MimeWebM, stream, Options{}.withDefaults(), webmOutputArgs)
	if err != nil {
		t.Fatal(err)
	}
	args := r.(*ffmpegRecorder).args
	joined := " " + strings.Join(args, " ") + " "
	for _, want := range []string{" -f s16le -ar 24000 -ac 1 -i pipe:0 ", " -f lavfi -i ", " -c:v libvpx-vp9 ", " -f webm pipe:1 "} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	codecs, err := Lookup(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(codecs) != len(DefaultPreference) {
		t.Fatalf("len = %d", len(codecs))
	}
	for i, c := range codecs {
		if c.MimeType != DefaultPreference[i] {
			t.Errorf("codecs[%d] = %q, want %q", i, c.MimeType, DefaultPreference[i])
		}
	}
	if _, err := Lookup([]string{"video/mp4"}); err == nil {
		t.Error("unknown codec accepted")
	}
}

func TestTailBufferLastLine(t *testing.T) {
	t.Parallel()

	tb := &tailBuffer{max: 16}
	_, _ = tb.Write([]byte("first line\nsecond line\n"))
	if got := tb.LastLine(); got != "second line" {
		t.Errorf("LastLine = %q", got)
	}
	if len(tb.buf) > 16 {
		t.Errorf("buffer grew to %d", len(tb.buf))
	}
}
