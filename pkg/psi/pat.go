// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package psi

import (
	"github.com/q191201771/naza/pkg/nazabits"

	"github.com/Littlelies/tsduck/pkg/tserr"
)

// PATProgram is one entry of a PAT's program loop. A ProgramNumber of 0
// designates the network PID rather than a PMT PID, per ISO/IEC 13818-1.
type PATProgram struct {
	ProgramNumber uint16
	PID           uint16
}

// PAT is a decoded program_association_section, generalized from
// pkg/mpegts.ParsePat/Pat in the reference repo to a full, re-encodable
// table rather than a fixed built-to-order one.
type PAT struct {
	TransportStreamID    uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	Programs             []PATProgram
}

// ParsePAT decodes a complete PAT from its reassembled sections (as handed
// to a TableHandler once a pkg/section.Demux has collected every
// section_number of the table).
func ParsePAT(sections []*Section) (*PAT, error) {
	pat := &PAT{}
	for i, s := range sections {
		if s.TableID != TIDPAT {
			return nil, tserr.ErrWrongTableID
		}
		if i == 0 {
			pat.TransportStreamID = s.TableIDExtension
			pat.VersionNumber = s.VersionNumber
			pat.CurrentNextIndicator = s.CurrentNextIndicator
		}
		payload := s.Payload()
		br := nazabits.NewBitReader(payload)
		for n := len(payload); n >= 4; n -= 4 {
			var p PATProgram
			p.ProgramNumber, _ = br.ReadBits16(16)
			_, _ = br.ReadBits8(3)
			p.PID, _ = br.ReadBits16(13)
			pat.Programs = append(pat.Programs, p)
		}
	}
	return pat, nil
}

// FindPMTPID returns the PMT PID carrying programNumber, or false if the
// PAT has no such program.
func (p *PAT) FindPMTPID(programNumber uint16) (uint16, bool) {
	for _, e := range p.Programs {
		if e.ProgramNumber == programNumber {
			return e.PID, true
		}
	}
	return 0, false
}

// Serialize re-encodes the PAT as a single section (the program loop is
// small enough in every test/scrambling scenario this module targets to
// never need splitting across several section_numbers).
func (p *PAT) Serialize() (*Section, error) {
	// Bytes after the 8-byte fixed+long header, before the CRC.
	bodyLen := 4 * len(p.Programs)
	// section_length: bytes following the section_length field itself,
	// i.e. the 5 extension-header bytes, the body, and the CRC.
	sectionLength := 5 + bodyLen + 4
	buf := make([]byte, 3+sectionLength)
	bw := nazabits.NewBitWriter(buf)

	bw.WriteBits8(8, TIDPAT)
	bw.WriteBit(1) // section_syntax_indicator
	bw.WriteBit(0)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits16(12, uint16(sectionLength))

	bw.WriteBits16(16, p.TransportStreamID)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits8(5, p.VersionNumber)
	bw.WriteBit(b2u8(p.CurrentNextIndicator))
	bw.WriteBits8(8, 0)
	bw.WriteBits8(8, 0)

	for _, e := range p.Programs {
		bw.WriteBits16(16, e.ProgramNumber)
		bw.WriteBits8(3, 0x7)
		bw.WriteBits16(13, e.PID)
	}

	crc := ComputeCRC32(buf[:len(buf)-4])
	putUint32BE(buf[len(buf)-4:], crc)

	return ParseSection(buf, PIDPATWellKnown)
}

// PIDPATWellKnown is the PAT's fixed PID, duplicated from pkg/ts to avoid
// importing pkg/ts just for one constant.
const PIDPATWellKnown = 0x0000

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
