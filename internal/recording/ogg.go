package recording

import (
	"encoding/binary"
	"io"
)

// Ogg page header flags.
const (
	oggContinued = 0x01
	oggBOS       = 0x02
	oggEOS       = 0x04
)

// oggCRCTable is the CRC-32 table for polynomial 0x04c11db7 (no reflection,
// zero init) used by Ogg page checksums.
var oggCRCTable = func() (t [256]uint32) {
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

func oggCRC(b []byte) uint32 {
	var crc uint32
	for _, x := range b {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^x]
	}
	return crc
}

// oggWriter writes one logical bitstream with one packet per page.
type oggWriter struct {
	w      io.Writer
	serial uint32
	seq    uint32
	page   []byte
}

func newOggWriter(w io.Writer, serial uint32) *oggWriter {
	return &oggWriter{w: w, serial: serial}
}

// WritePacket writes packet as a single page. granule is the absolute
// granule position after this packet; flags combines oggBOS and oggEOS.
// Packets up to 255*255-1 bytes fit one page, far above any Opus packet.
func (o *oggWriter) WritePacket(packet []byte, granule uint64, flags byte) error {
	nseg := len(packet)/255 + 1
	size := 27 + nseg + len(packet)
	if cap(o.page) < size {
		o.page = make([]byte, size)
	}
	p := o.page[:size]

	copy(p[0:4], "OggS")
	p[4] = 0 // version
	p[5] = flags
	binary.LittleEndian.PutUint64(p[6:14], granule)
	binary.LittleEndian.PutUint32(p[14:18], o.serial)
	binary.LittleEndian.PutUint32(p[18:22], o.seq)
	binary.LittleEndian.PutUint32(p[22:26], 0)
	p[26] = byte(nseg)
	for i := range nseg - 1 {
		p[27+i] = 255
	}
	p[27+nseg-1] = byte(len(packet) % 255)
	copy(p[27+nseg:], packet)
	binary.LittleEndian.PutUint32(p[22:26], oggCRC(p))

	o.seq++
	_, err := o.w.Write(p)
	return err
}
