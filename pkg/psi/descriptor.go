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

// MaxDescriptorSize is the largest payload a single descriptor can carry:
// the descriptor_length field is 8 bits, so at most 255 payload bytes
// follow the tag and length bytes.
const MaxDescriptorSize = 255

// TagCA is the CA_descriptor tag, carried in CAT and PMT to point to a
// stream's ECM (PMT) or EMM (CAT) PID.
const TagCA = 0x09

// Descriptor is a generic, undecoded TLV descriptor: tag, length byte
// implied by len(Data), and payload.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// ParseDescriptors walks a descriptor loop (as found after program_info /
// ES_info in a PMT, or after the service list in an SDT) until b is
// exhausted.
func ParseDescriptors(b []byte) ([]Descriptor, error) {
	var out []Descriptor
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, tserr.ErrBadDescriptor
		}
		tag := b[0]
		length := int(b[1])
		if len(b) < 2+length {
			return nil, tserr.ErrBadDescriptor
		}
		var data []byte // nil for an empty descriptor, as before encoding
		if length > 0 {
			data = make([]byte, length)
			copy(data, b[2:2+length])
		}
		out = append(out, Descriptor{Tag: tag, Data: data})
		b = b[2+length:]
	}
	return out, nil
}

// SerializeDescriptors re-encodes a descriptor loop back to wire bytes.
func SerializeDescriptors(ds []Descriptor) []byte {
	out := make([]byte, 0, DescriptorsLength(ds))
	for _, d := range ds {
		out = append(out, d.Tag, uint8(len(d.Data)))
		out = append(out, d.Data...)
	}
	return out
}

// DescriptorsLength is the wire length of a descriptor loop, tag and length
// bytes included.
func DescriptorsLength(ds []Descriptor) int {
	n := 0
	for _, d := range ds {
		n += 2 + len(d.Data)
	}
	return n
}

// CADescriptor is the generic CA_descriptor (tag 0x09, ETSI EN 300 468
// §6.2.2), carried in a CAT (pointing at an EMM PID) or in a PMT, at
// program or component level (pointing at an ECM PID).
type CADescriptor struct {
	CASystemID  uint16
	CAPID       uint16 // 13 bits
	PrivateData []byte
}

// ToDescriptor serializes the CA_descriptor, grounded on
// tsCADescriptor.cpp's serialize(): the 3 reserved bits above CAPID are set
// to 1, matching TSDuck's 0xE000 mask rather than leaving them zero.
func (d *CADescriptor) ToDescriptor() (Descriptor, error) {
	if len(d.PrivateData) > MaxDescriptorSize-4 {
		return Descriptor{}, tserr.ErrDescriptorTooLong
	}
	buf := make([]byte, 4+len(d.PrivateData))
	bw := nazabits.NewBitWriter(buf)
	bw.WriteBits16(16, d.CASystemID)
	bw.WriteBits8(3, 0x7)
	bw.WriteBits16(13, d.CAPID)
	for _, b := range d.PrivateData {
		bw.WriteBits8(8, b)
	}
	return Descriptor{Tag: TagCA, Data: buf}, nil
}

// ParseCADescriptor decodes a CA_descriptor previously produced by
// ParseDescriptors.
func ParseCADescriptor(d Descriptor) (*CADescriptor, error) {
	if d.Tag != TagCA || len(d.Data) < 4 {
		return nil, tserr.ErrBadDescriptor
	}
	br := nazabits.NewBitReader(d.Data)
	ca := &CADescriptor{}
	ca.CASystemID, _ = br.ReadBits16(16)
	_, _ = br.ReadBits8(3)
	ca.CAPID, _ = br.ReadBits16(13)
	if len(d.Data) > 4 {
		ca.PrivateData = make([]byte, len(d.Data)-4)
		copy(ca.PrivateData, d.Data[4:])
	}
	return ca, nil
}

// FindCADescriptor returns the first CA_descriptor in ds, if any.
func FindCADescriptor(ds []Descriptor) (*CADescriptor, bool) {
	for _, d := range ds {
		if d.Tag == TagCA {
			ca, err := ParseCADescriptor(d)
			if err == nil {
				return ca, true
			}
		}
	}
	return nil, false
}
