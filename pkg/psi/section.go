// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package psi models PSI/SI sections and tables and the PAT/PMT/SDT/CAT
// codecs built on top of them. Field extraction uses naza/pkg/nazabits,
// the same bit-reader idiom pkg/mpegts/{pat,pmt}.go use in the reference
// repo.
package psi

import (
	"github.com/Littlelies/tsduck/pkg/tserr"
)

const (
	MaxPrivateSectionSize = 4096
	MinShortSectionSize   = 3
	MinLongSectionSize    = 12

	// StuffingTableID is the reserved table_id that marks the rest of a TS
	// packet's payload as stuffing once a section boundary lands on it.
	StuffingTableID = 0xFF
)

// Well-known table ids, the subset pkg/scrambler needs.
const (
	TIDPAT    = 0x00
	TIDCAT    = 0x01
	TIDPMT    = 0x02
	TIDSDTAct = 0x42
	TIDSDTOth = 0x46
)

// ETID is the extended table id: (table_id, table_id_extension). Short
// sections carry only a table_id; their table_id_extension is implicitly 0.
type ETID struct {
	TableID          uint8
	TableIDExtension uint16
}

// Section is a single, self-delimiting PSI unit, exactly as it appeared on
// the wire (including its CRC32 for long-form sections).
type Section struct {
	Data []byte // raw bytes, section_length + header, as taken from the TS buffer

	TableID                uint8
	SectionSyntaxIndicator bool // long form iff true
	SectionLength          uint16

	// Long-form fields only; zero otherwise.
	TableIDExtension     uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	SectionNumber        uint8
	LastSectionNumber    uint8
	CRC32                uint32

	FirstTSPacketIndex uint64
	LastTSPacketIndex  uint64

	// SourcePID is the PID the section was extracted from.
	SourcePID uint16
}

// ETID returns the section's extended table id.
func (s *Section) ETID() ETID {
	if !s.SectionSyntaxIndicator {
		return ETID{TableID: s.TableID}
	}
	return ETID{TableID: s.TableID, TableIDExtension: s.TableIDExtension}
}

// Payload returns the section's table-specific bytes: everything after the
// fixed header and, for long-form sections, before the trailing CRC32.
func (s *Section) Payload() []byte {
	if !s.SectionSyntaxIndicator {
		return s.Data[MinShortSectionSize:]
	}
	if len(s.Data) < MinLongSectionSize {
		return nil
	}
	return s.Data[MinLongSectionSize-4 : len(s.Data)-4]
}

// ParseSection decodes a section header (and, for long-form sections,
// verifies its CRC32) from a buffer that is known to hold exactly one
// complete section (len(b) == section_length, the cursor-advance step of
// the demux's extraction loop having already located that boundary).
func ParseSection(b []byte, pid uint16) (*Section, error) {
	if len(b) < MinShortSectionSize {
		return nil, tserr.ErrSectionTooShort
	}
	s := &Section{Data: b, SourcePID: pid}
	s.TableID = b[0]
	raw := uint16(b[1])<<8 | uint16(b[2])
	s.SectionSyntaxIndicator = raw&0x8000 != 0
	s.SectionLength = (raw & 0x0FFF) + 3

	if s.SectionSyntaxIndicator {
		if len(b) < MinLongSectionSize {
			return nil, tserr.ErrSectionTooShort
		}
		s.TableIDExtension = uint16(b[3])<<8 | uint16(b[4])
		s.VersionNumber = (b[5] >> 1) & 0x1F
		s.CurrentNextIndicator = b[5]&0x01 != 0
		s.SectionNumber = b[6]
		s.LastSectionNumber = b[7]

		crcOffset := len(b) - 4
		if crcOffset < 8 {
			return nil, tserr.ErrSectionTooShort
		}
		s.CRC32 = uint32(b[crcOffset])<<24 | uint32(b[crcOffset+1])<<16 | uint32(b[crcOffset+2])<<8 | uint32(b[crcOffset+3])
		computed := ComputeCRC32(b[:crcOffset])
		if computed != s.CRC32 {
			return nil, tserr.ErrBadCRC
		}
	}
	return s, nil
}

// crc32Table is precomputed for the MSB-first, non-reflected CRC32 variant
// PSI sections use (ITU-T H.222.0 Annex B, polynomial 0x04C11DB7, no final
// XOR). This is NOT the same algorithm as hash/crc32 in the standard
// library: that package only implements the reflected (LSB-first) CRC-32
// used by zip/ethernet, which yields a different checksum over the same
// bytes. No library in the retrieval pack exposes the non-reflected
// variant either, so the table is built here, by-the-book, and cross-checked
// against a textbook bit-serial implementation in crc32_test.go.
var crc32Table = buildCRC32Table()

func buildCRC32Table() [256]uint32 {
	var table [256]uint32
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// ComputeCRC32 computes the MPEG-2 CRC32 used by PSI sections over b.
func ComputeCRC32(b []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, v := range b {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^v]
	}
	return crc
}

// Table is an ordered, complete collection of sections sharing one ETID
// and version.
type Table struct {
	ETID          ETID
	VersionNumber uint8
	Sections      []*Section // index == section_number
	SourcePID     uint16
}

// TableID returns the table_id common to every section in the table.
func (t *Table) TableID() uint8 {
	return t.ETID.TableID
}

// Serialize concatenates the table's sections back into wire bytes, used to
// verify the round-trip invariant (§8 item 5): byte-identical to the
// original input sections.
func (t *Table) Serialize() []byte {
	var out []byte
	for _, s := range t.Sections {
		out = append(out, s.Data...)
	}
	return out
}
