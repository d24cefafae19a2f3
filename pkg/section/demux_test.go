package section

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Littlelies/tsduck/pkg/psi"
	"github.com/Littlelies/tsduck/pkg/ts"
)

// buildSection assembles one long-form section with an explicit CRC, for
// tests that need to control section_number/last_section_number/version
// directly rather than go through a PAT/PMT/SDT/CAT codec.
func buildSection(tableID uint8, ext uint16, version, sectionNumber, lastSectionNumber uint8, body []byte) []byte {
	sectionLength := 5 + len(body) + 4
	buf := make([]byte, 3+sectionLength)
	buf[0] = tableID
	raw := uint16(0x8000) | uint16(0x3000) | uint16(sectionLength)
	buf[1] = byte(raw >> 8)
	buf[2] = byte(raw)
	buf[3] = byte(ext >> 8)
	buf[4] = byte(ext)
	buf[5] = (version << 1) | 0x01 | 0xC0
	buf[6] = sectionNumber
	buf[7] = lastSectionNumber
	copy(buf[8:], body)
	crc := psi.ComputeCRC32(buf[:len(buf)-4])
	buf[len(buf)-4] = byte(crc >> 24)
	buf[len(buf)-3] = byte(crc >> 16)
	buf[len(buf)-2] = byte(crc >> 8)
	buf[len(buf)-1] = byte(crc)
	return buf
}

// buildPackets lays raw section bytes out across as many 188-byte TS
// packets as needed: PUSI + pointer_field 0 on the first packet (the
// payload always begins exactly on a section boundary in these tests),
// plain continuation payload afterwards, 0xFF stuffing padding the last
// packet.
func buildPackets(pid uint16, sections []byte, startCC uint8) []ts.Packet {
	var pkts []ts.Packet
	cc := startCC
	remaining := sections
	first := true
	for {
		var pkt ts.Packet
		pkt.B[0] = ts.SyncByte
		pkt.SetPID(pid)
		pkt.B[3] = 0x10
		pkt.SetCC(cc)
		cc = (cc + 1) % ts.MaxCC

		var off int
		if first {
			pkt.B[1] |= 0x40
			pkt.B[4] = 0x00
			off = 5
			first = false
		} else {
			off = 4
		}
		n := ts.PacketSize - off
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(pkt.B[off:off+n], remaining[:n])
		for i := off + n; i < ts.PacketSize; i++ {
			pkt.B[i] = 0xFF
		}
		remaining = remaining[n:]
		pkts = append(pkts, pkt)
		if len(remaining) == 0 {
			break
		}
	}
	return pkts
}

type collector struct {
	tables   []*psi.Table
	sections []*psi.Section
	onTable  func(d *Demux, t *psi.Table)
}

func (c *collector) HandleTable(d *Demux, t *psi.Table) {
	c.tables = append(c.tables, t)
	if c.onTable != nil {
		c.onTable(d, t)
	}
}

func (c *collector) HandleSection(d *Demux, s *psi.Section) {
	c.sections = append(c.sections, s)
}

func TestDemuxDeliversSingleSectionPAT(t *testing.T) {
	pat := &psi.PAT{TransportStreamID: 1, CurrentNextIndicator: true, Programs: []psi.PATProgram{{ProgramNumber: 1, PID: 0x100}}}
	section, err := pat.Serialize()
	assert.NoError(t, err)

	c := &collector{}
	d := NewDemux(c, c)
	d.AddPID(ts.PIDPAT)

	for _, pkt := range buildPackets(ts.PIDPAT, section.Data, 0) {
		pkt := pkt
		d.FeedPacket(&pkt)
	}

	assert.Len(t, c.tables, 1)
	decoded, err := psi.ParsePAT(c.tables[0].Sections)
	assert.NoError(t, err)
	assert.Equal(t, pat.TransportStreamID, decoded.TransportStreamID)
	assert.False(t, d.Status().HasErrors())
}

func TestDemuxMultiSectionSinglePacket(t *testing.T) {
	s0 := buildSection(psi.TIDCAT, 0, 1, 0, 1, []byte{0x01, 0x02})
	s1 := buildSection(psi.TIDCAT, 0, 1, 1, 1, []byte{0x03, 0x04})
	payload := append(append([]byte{}, s0...), s1...)

	c := &collector{}
	d := NewDemux(c, nil)
	d.AddPID(ts.PIDCAT)

	pkts := buildPackets(ts.PIDCAT, payload, 0)
	assert.Len(t, pkts, 1, "both sections must fit in a single TS packet for this test to exercise the multi-section loop")

	for _, pkt := range pkts {
		pkt := pkt
		d.FeedPacket(&pkt)
	}

	assert.Len(t, c.tables, 1)
	assert.Len(t, c.tables[0].Sections, 2)
}

func TestDemuxRejectsPESLookalike(t *testing.T) {
	pat := &psi.PAT{TransportStreamID: 1, CurrentNextIndicator: true}
	section, _ := pat.Serialize()

	c := &collector{}
	d := NewDemux(c, nil)
	d.AddPID(ts.PIDPAT)

	// First, gain sync with a real section.
	for _, pkt := range buildPackets(ts.PIDPAT, section.Data, 0) {
		pkt := pkt
		d.FeedPacket(&pkt)
	}
	assert.Len(t, c.tables, 1)

	// Now feed a packet whose PUSI payload looks like a PES start code;
	// the demux must lose sync rather than misparse it as a section.
	var pesLike ts.Packet
	pesLike.B[0] = ts.SyncByte
	pesLike.SetPID(ts.PIDPAT)
	pesLike.B[1] |= 0x40
	pesLike.B[3] = 0x11 // payload only, cc continues
	pesLike.B[4] = 0x00
	pesLike.B[5] = 0x00
	pesLike.B[6] = 0x01
	d.FeedPacket(&pesLike)

	// Feeding a new version of the PAT must resynchronize cleanly (the
	// same version again would not be notified a second time).
	pat2 := &psi.PAT{TransportStreamID: 1, VersionNumber: 1, CurrentNextIndicator: true}
	section2, _ := pat2.Serialize()
	for _, pkt := range buildPackets(ts.PIDPAT, section2.Data, 2) {
		pkt := pkt
		d.FeedPacket(&pkt)
	}
	assert.Len(t, c.tables, 2)
}

func TestDemuxTruncationDetection(t *testing.T) {
	// s0 announces a 192-byte section (body 180 bytes): too large for one
	// packet, so its first 183 bytes legitimately fill packet 1's whole
	// payload and the demux defers, waiting for the rest. Packet 2 never
	// delivers it: instead it carries a fresh PUSI whose pointer_field
	// says a brand new section (s1) starts immediately, proving s0 was
	// actually truncated rather than merely split across packets.
	s0 := buildSection(psi.TIDCAT, 0, 1, 0, 0, make([]byte, 180))
	assert.Equal(t, 192, len(s0))
	s1 := buildSection(psi.TIDCAT, 0, 2, 0, 0, []byte{0xAA})

	var pkt1 ts.Packet
	pkt1.B[0] = ts.SyncByte
	pkt1.SetPID(ts.PIDCAT)
	pkt1.B[1] |= 0x40
	pkt1.B[3] = 0x10
	pkt1.SetCC(0)
	pkt1.B[4] = 0x00 // pointer_field: section starts right away
	copy(pkt1.B[5:ts.PacketSize], s0[:ts.PacketSize-5])

	var pkt2 ts.Packet
	pkt2.B[0] = ts.SyncByte
	pkt2.SetPID(ts.PIDCAT)
	pkt2.B[1] |= 0x40
	pkt2.B[3] = 0x10
	pkt2.SetCC(1)
	pkt2.B[4] = 0x00 // pointer_field: s1 starts right at this packet's payload
	copy(pkt2.B[5:5+len(s1)], s1)
	for i := 5 + len(s1); i < ts.PacketSize; i++ {
		pkt2.B[i] = 0xFF
	}

	c := &collector{}
	d := NewDemux(c, nil)
	d.AddPID(ts.PIDCAT)
	d.FeedPacket(&pkt1)
	d.FeedPacket(&pkt2)

	// The truncated first section must never be delivered as a table; the
	// well-formed second section still must be.
	assert.Len(t, c.tables, 1)
	assert.Equal(t, uint8(2), c.tables[0].VersionNumber)
}

func TestDemuxScrambledPacketCountsAndLosesSync(t *testing.T) {
	c := &collector{}
	d := NewDemux(c, nil)
	d.AddPID(0x0100)

	var pkt ts.Packet
	pkt.B[0] = ts.SyncByte
	pkt.SetPID(0x0100)
	pkt.B[3] = 0x10
	pkt.SetScrambling(ts.ScramblingEven)
	d.FeedPacket(&pkt)

	assert.Equal(t, uint64(1), d.Status().Scrambled)
	assert.True(t, d.Status().HasErrors())
}

func TestDemuxDiscontinuityAndDuplicate(t *testing.T) {
	pat := &psi.PAT{TransportStreamID: 7, CurrentNextIndicator: true}
	section, _ := pat.Serialize()

	c := &collector{}
	d := NewDemux(c, nil)
	d.AddPID(ts.PIDPAT)

	pkts := buildPackets(ts.PIDPAT, section.Data, 0)
	for _, pkt := range pkts {
		pkt := pkt
		d.FeedPacket(&pkt)
	}
	assert.Len(t, c.tables, 1)

	// Re-send the very same last packet (duplicate CC): must be ignored,
	// not treated as a new section.
	last := pkts[len(pkts)-1]
	d.FeedPacket(&last)
	assert.Len(t, c.tables, 1)

	// Skip two CC values: a discontinuity.
	var jump ts.Packet
	jump.B[0] = ts.SyncByte
	jump.SetPID(ts.PIDPAT)
	jump.B[1] |= 0x40
	jump.B[3] = 0x10
	jump.SetCC((last.CC() + 3) % ts.MaxCC)
	jump.B[4] = 0x00
	for i := 5; i < ts.PacketSize; i++ {
		jump.B[i] = 0xFF
	}
	d.FeedPacket(&jump)
	assert.Equal(t, uint64(1), d.Status().Discontinuities)
}

func TestDemuxReentrantResetDuringHandler(t *testing.T) {
	pat := &psi.PAT{TransportStreamID: 9, CurrentNextIndicator: true}
	section, _ := pat.Serialize()

	c := &collector{}
	c.onTable = func(d *Demux, t *psi.Table) {
		d.Reset()
	}
	d := NewDemux(c, nil)
	d.AddPID(ts.PIDPAT)

	assert.NotPanics(t, func() {
		for _, pkt := range buildPackets(ts.PIDPAT, section.Data, 0) {
			pkt := pkt
			d.FeedPacket(&pkt)
		}
	})
	assert.Len(t, c.tables, 1)

	// The demux must still work after the re-entrant reset.
	for _, pkt := range buildPackets(ts.PIDPAT, section.Data, 0) {
		pkt := pkt
		d.FeedPacket(&pkt)
	}
	assert.Len(t, c.tables, 2)
}
