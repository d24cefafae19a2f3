// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package psi

import (
	"strings"

	"github.com/q191201771/naza/pkg/nazabits"

	"github.com/Littlelies/tsduck/pkg/tserr"
)

// TagService is the service_descriptor tag (ETSI EN 300 468 §6.2.33),
// carrying the provider/service name pkg/scrambler resolves a --service
// name option against.
const TagService = 0x48

// SDTService is one entry of an SDT's service loop.
type SDTService struct {
	ServiceID       uint16
	EITScheduleFlag bool
	EITPresentFlag  bool
	RunningStatus   uint8
	FreeCAMode      bool
	Descriptors     []Descriptor
}

// SDT is a decoded service_description_section (actual or other transport
// stream, table_id 0x42/0x46).
type SDT struct {
	TableID              uint8
	TransportStreamID    uint16
	OriginalNetworkID    uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	Services             []SDTService
}

// ParseSDT decodes a complete SDT from its reassembled sections.
func ParseSDT(sections []*Section) (*SDT, error) {
	if len(sections) == 0 {
		return nil, tserr.ErrSectionTooShort
	}
	sdt := &SDT{}
	for i, s := range sections {
		if s.TableID != TIDSDTAct && s.TableID != TIDSDTOth {
			return nil, tserr.ErrWrongTableID
		}
		if i == 0 {
			sdt.TableID = s.TableID
			sdt.TransportStreamID = s.TableIDExtension
			sdt.VersionNumber = s.VersionNumber
			sdt.CurrentNextIndicator = s.CurrentNextIndicator
		}
		payload := s.Payload()
		if len(payload) < 3 {
			return nil, tserr.ErrSectionTooShort
		}
		br := nazabits.NewBitReader(payload)
		onid, _ := br.ReadBits16(16)
		if i == 0 {
			sdt.OriginalNetworkID = onid
		}
		_, _ = br.ReadBits8(8) // reserved_future_use

		consumed := 3
		for consumed < len(payload) {
			if len(payload)-consumed < 5 {
				return nil, tserr.ErrSectionTooShort
			}
			var svc SDTService
			svc.ServiceID, _ = br.ReadBits16(16)
			_, _ = br.ReadBits8(6)
			eitSchedule, _ := br.ReadBits8(1)
			svc.EITScheduleFlag = eitSchedule != 0
			eitPresent, _ := br.ReadBits8(1)
			svc.EITPresentFlag = eitPresent != 0
			svc.RunningStatus, _ = br.ReadBits8(3)
			freeCA, _ := br.ReadBits8(1)
			svc.FreeCAMode = freeCA != 0
			descLoopLength, _ := br.ReadBits16(12)
			descBytes, err := br.ReadBytes(uint(descLoopLength))
			if err != nil {
				return nil, tserr.ErrSectionTooShort
			}
			svc.Descriptors, err = ParseDescriptors(descBytes)
			if err != nil {
				return nil, err
			}
			sdt.Services = append(sdt.Services, svc)
			consumed += 5 + int(descLoopLength)
		}
	}
	return sdt, nil
}

// NewServiceDescriptor builds the descriptor for a service_descriptor.
func NewServiceDescriptor(serviceType uint8, providerName, serviceName string) Descriptor {
	data := make([]byte, 0, 2+len(providerName)+1+len(serviceName))
	data = append(data, serviceType, uint8(len(providerName)))
	data = append(data, []byte(providerName)...)
	data = append(data, uint8(len(serviceName)))
	data = append(data, []byte(serviceName)...)
	return Descriptor{Tag: TagService, Data: data}
}

// Serialize re-encodes the SDT as a single section.
func (s *SDT) Serialize() (*Section, error) {
	var body []byte
	for _, svc := range s.Services {
		descBytes := SerializeDescriptors(svc.Descriptors)
		if len(descBytes) > 0x0FFF {
			return nil, tserr.ErrSectionTooLong
		}
		b0 := byte(svc.ServiceID >> 8)
		b1 := byte(svc.ServiceID)
		b2 := byte(0xFC) // reserved_future_use(6), all 1
		if svc.EITScheduleFlag {
			b2 |= 0x02
		}
		if svc.EITPresentFlag {
			b2 |= 0x01
		}
		b3 := (svc.RunningStatus&0x07)<<5 | byte(len(descBytes)>>8)&0x0F
		if svc.FreeCAMode {
			b3 |= 0x10
		}
		b4 := byte(len(descBytes))
		body = append(body, b0, b1, b2, b3, b4)
		body = append(body, descBytes...)
	}

	// 5 extension-header bytes, original_network_id + reserved (3), the
	// service loop, and the CRC.
	sectionLength := 5 + 3 + len(body) + 4
	buf := make([]byte, 3+sectionLength)
	bw := nazabits.NewBitWriter(buf)

	tid := s.TableID
	if tid == 0 {
		tid = TIDSDTAct
	}
	bw.WriteBits8(8, tid)
	bw.WriteBit(1)
	bw.WriteBit(0)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits16(12, uint16(sectionLength))

	bw.WriteBits16(16, s.TransportStreamID)
	bw.WriteBits8(2, 0x3)
	bw.WriteBits8(5, s.VersionNumber)
	bw.WriteBit(b2u8(s.CurrentNextIndicator))
	bw.WriteBits8(8, 0)
	bw.WriteBits8(8, 0)

	bw.WriteBits16(16, s.OriginalNetworkID)
	bw.WriteBits8(8, 0xFF)

	for _, b := range body {
		bw.WriteBits8(8, b)
	}

	crc := ComputeCRC32(buf[:len(buf)-4])
	putUint32BE(buf[len(buf)-4:], crc)

	return ParseSection(buf, PIDUnknown)
}

// ServiceDescriptor is the decoded service_descriptor (tag 0x48).
type ServiceDescriptor struct {
	ServiceType  uint8
	ProviderName string
	ServiceName  string
}

// ParseServiceDescriptor decodes a service_descriptor. Text fields are
// taken as raw bytes: DVB character-set control codes are not stripped,
// since only PAT/CAT/PMT/SDT structure is in scope here, not text
// decoding.
func ParseServiceDescriptor(d Descriptor) (*ServiceDescriptor, error) {
	if d.Tag != TagService || len(d.Data) < 2 {
		return nil, tserr.ErrBadDescriptor
	}
	b := d.Data
	sd := &ServiceDescriptor{ServiceType: b[0]}
	providerLen := int(b[1])
	b = b[2:]
	if len(b) < providerLen {
		return nil, tserr.ErrBadDescriptor
	}
	sd.ProviderName = string(b[:providerLen])
	b = b[providerLen:]
	if len(b) < 1 {
		return nil, tserr.ErrBadDescriptor
	}
	nameLen := int(b[0])
	b = b[1:]
	if len(b) < nameLen {
		return nil, tserr.ErrBadDescriptor
	}
	sd.ServiceName = string(b[:nameLen])
	return sd, nil
}

// FindServiceByName returns the service_id of the first service whose
// service_descriptor name matches name case-insensitively, ignoring
// leading and trailing spaces; spaces inside the name must match.
func (s *SDT) FindServiceByName(name string) (uint16, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, svc := range s.Services {
		for _, d := range svc.Descriptors {
			if d.Tag != TagService {
				continue
			}
			sd, err := ParseServiceDescriptor(d)
			if err != nil {
				continue
			}
			got := strings.ToLower(strings.TrimSpace(sd.ServiceName))
			if got == want {
				return svc.ServiceID, true
			}
		}
	}
	return 0, false
}
