// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package scrambler

import "github.com/Littlelies/tsduck/pkg/ts"

// sectionPacketizer lays one PSI section's bytes out across TS packets on
// a fixed PID, always-stuffing (every packet is padded with 0xFF rather
// than packed with the next section), the "cycling packetizer" policy
// used when rebuilding the PMT. It also doubles as the ECM re-packetizer
// needed when section_TSpkt_flag is false.
type sectionPacketizer struct {
	pid uint16
	cc  uint8
}

func newSectionPacketizer(pid uint16) *sectionPacketizer {
	return &sectionPacketizer{pid: pid}
}

// splitIntoPackets slices data (already a multiple of ts.PacketSize, the
// section_TSpkt_flag true case) into complete TS packets as-is: the ECMG
// handed back pre-packetized datagrams, so no header is synthesized here.
// The caller (Plugin.ProcessPacket) overwrites PID and CC at insertion
// time regardless.
func splitIntoPackets(data []byte) []ts.Packet {
	n := len(data) / ts.PacketSize
	pkts := make([]ts.Packet, n)
	for i := 0; i < n; i++ {
		copy(pkts[i].B[:], data[i*ts.PacketSize:(i+1)*ts.PacketSize])
	}
	return pkts
}

// packetize splits data across as many packets as needed and advances the
// packetizer's own continuity counter, so repeated calls on the same PID
// (e.g. re-cycling an updated PMT) stay continuity-correct.
func (p *sectionPacketizer) packetize(data []byte) []ts.Packet {
	var pkts []ts.Packet
	remaining := data
	first := true
	for {
		var pkt ts.Packet
		pkt.B[0] = ts.SyncByte
		pkt.SetPID(p.pid)
		pkt.B[3] = 0x10 // payload only, no adaptation field
		pkt.SetCC(p.cc)
		p.cc = (p.cc + 1) % ts.MaxCC

		var off int
		if first {
			pkt.B[1] |= 0x40 // PUSI
			pkt.B[4] = 0x00  // pointer_field: section starts right away
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
