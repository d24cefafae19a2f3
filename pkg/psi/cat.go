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

// CAT is a decoded conditional_access_section: a CA_descriptor loop with
// no per-program structure, each descriptor pointing at an EMM PID.
type CAT struct {
	VersionNumber        uint8
	CurrentNextIndicator bool
	Descriptors          []Descriptor
}

// ParseCAT decodes a complete CAT.
func ParseCAT(sections []*Section) (*CAT, error) {
	if len(sections) == 0 {
		return nil, tserr.ErrSectionTooShort
	}
	cat := &CAT{}
	for i, s := range sections {
		if s.TableID != TIDCAT {
			return nil, tserr.ErrWrongTableID
		}
		if i == 0 {
			cat.VersionNumber = s.VersionNumber
			cat.CurrentNextIndicator = s.CurrentNextIndicator
		}
		ds, err := ParseDescriptors(s.Payload())
		if err != nil {
			return nil, err
		}
		cat.Descriptors = append(cat.Descriptors, ds...)
	}
	return cat, nil
}

// EMMPIDs returns the PIDs of every CA_descriptor in the CAT.
func (c *CAT) EMMPIDs() []uint16 {
	var pids []uint16
	for _, d := range c.Descriptors {
		ca, err := ParseCADescriptor(d)
		if err == nil {
			pids = append(pids, ca.CAPID)
		}
	}
	return pids
}

// Serialize re-encodes the CAT as a single section.
func (c *CAT) Serialize() (*Section, error) {
	body := SerializeDescriptors(c.Descriptors)
	sectionLength := 5 + len(body) + 4
	buf := make([]byte, 3+sectionLength)
	bw := nazabits.NewBitWriter(buf)

	bw.WriteBits8(8, TIDCAT)
	bw.WriteBit(1)
	bw.WriteBit(0)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits16(12, uint16(sectionLength))

	bw.WriteBits16(16, 0xFFFF) // reserved, no table_id_extension semantics for CAT
	bw.WriteBits8(2, 0x3)
	bw.WriteBits8(5, c.VersionNumber)
	bw.WriteBit(b2u8(c.CurrentNextIndicator))
	bw.WriteBits8(8, 0)
	bw.WriteBits8(8, 0)

	for _, b := range body {
		bw.WriteBits8(8, b)
	}

	crc := ComputeCRC32(buf[:len(buf)-4])
	putUint32BE(buf[len(buf)-4:], crc)

	return ParseSection(buf, PIDUnknown)
}
