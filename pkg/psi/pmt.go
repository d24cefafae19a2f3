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

// PMTStream is one entry of a PMT's elementary-stream loop.
type PMTStream struct {
	StreamType  uint8
	PID         uint16
	Descriptors []Descriptor
}

// PMT is a decoded TS_program_map_section, generalized from
// pkg/mpegts.ParsePmt/Pmt to carry and re-encode descriptors at both
// program and component level, which the scrambler plugin needs to
// insert CA_descriptors.
type PMT struct {
	ProgramNumber        uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	PCRPID               uint16
	ProgramDescriptors   []Descriptor
	Streams              []PMTStream
}

// ParsePMT decodes a complete PMT. A PMT always fits in one section in
// practice; ParsePMT only consumes sections[0], matching the
// single-program scope of pkg/scrambler.
func ParsePMT(sections []*Section) (*PMT, error) {
	if len(sections) == 0 {
		return nil, tserr.ErrSectionTooShort
	}
	s := sections[0]
	if s.TableID != TIDPMT {
		return nil, tserr.ErrWrongTableID
	}
	pmt := &PMT{
		ProgramNumber:        s.TableIDExtension,
		VersionNumber:        s.VersionNumber,
		CurrentNextIndicator: s.CurrentNextIndicator,
	}

	payload := s.Payload()
	if len(payload) < 4 {
		return nil, tserr.ErrSectionTooShort
	}
	br := nazabits.NewBitReader(payload)
	_, _ = br.ReadBits8(3)
	pmt.PCRPID, _ = br.ReadBits16(13)
	_, _ = br.ReadBits8(4)
	programInfoLength, _ := br.ReadBits16(12)

	programInfo, err := br.ReadBytes(uint(programInfoLength))
	if err != nil {
		return nil, tserr.ErrSectionTooShort
	}
	pmt.ProgramDescriptors, err = ParseDescriptors(programInfo)
	if err != nil {
		return nil, err
	}

	consumed := 4 + int(programInfoLength)
	for consumed < len(payload) {
		if len(payload)-consumed < 5 {
			return nil, tserr.ErrSectionTooShort
		}
		var st PMTStream
		st.StreamType, _ = br.ReadBits8(8)
		_, _ = br.ReadBits8(3)
		st.PID, _ = br.ReadBits16(13)
		_, _ = br.ReadBits8(4)
		esInfoLength, _ := br.ReadBits16(12)
		esInfo, err := br.ReadBytes(uint(esInfoLength))
		if err != nil {
			return nil, tserr.ErrSectionTooShort
		}
		st.Descriptors, err = ParseDescriptors(esInfo)
		if err != nil {
			return nil, err
		}
		pmt.Streams = append(pmt.Streams, st)
		consumed += 5 + int(esInfoLength)
	}
	return pmt, nil
}

// FindStream returns the elementary stream on pid, if any.
func (p *PMT) FindStream(pid uint16) (*PMTStream, bool) {
	for i := range p.Streams {
		if p.Streams[i].PID == pid {
			return &p.Streams[i], true
		}
	}
	return nil, false
}

// Serialize re-encodes the PMT as a single section.
func (p *PMT) Serialize() (*Section, error) {
	programInfo := SerializeDescriptors(p.ProgramDescriptors)

	streamsLen := 0
	streamInfos := make([][]byte, len(p.Streams))
	for i, st := range p.Streams {
		streamInfos[i] = SerializeDescriptors(st.Descriptors)
		streamsLen += 5 + len(streamInfos[i])
	}

	bodyLen := 4 + len(programInfo) + streamsLen
	sectionLength := 5 + bodyLen + 4
	buf := make([]byte, 3+sectionLength)
	bw := nazabits.NewBitWriter(buf)

	bw.WriteBits8(8, TIDPMT)
	bw.WriteBit(1)
	bw.WriteBit(0)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits16(12, uint16(sectionLength))

	bw.WriteBits16(16, p.ProgramNumber)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits8(5, p.VersionNumber)
	bw.WriteBit(b2u8(p.CurrentNextIndicator))
	bw.WriteBits8(8, 0)
	bw.WriteBits8(8, 0)

	bw.WriteBits8(3, 0x7)
	bw.WriteBits16(13, p.PCRPID)
	bw.WriteBits8(4, 0xF)
	bw.WriteBits16(12, uint16(len(programInfo)))
	for _, b := range programInfo {
		bw.WriteBits8(8, b)
	}

	for i, st := range p.Streams {
		bw.WriteBits8(8, st.StreamType)
		bw.WriteBits8(3, 0x7)
		bw.WriteBits16(13, st.PID)
		bw.WriteBits8(4, 0xF)
		bw.WriteBits16(12, uint16(len(streamInfos[i])))
		for _, b := range streamInfos[i] {
			bw.WriteBits8(8, b)
		}
	}

	crc := ComputeCRC32(buf[:len(buf)-4])
	putUint32BE(buf[len(buf)-4:], crc)

	return ParseSection(buf, PIDUnknown)
}

// PIDUnknown marks a section built in memory that hasn't been multiplexed
// onto a PID yet.
const PIDUnknown = 0xFFFF
