// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package ts models the 188-byte MPEG-2 transport stream packet and its
// fixed header, the byte-level layer every other package in this module
// builds on.
//
// The Packet accessors read and write fields with plain shifts and masks;
// ParseHeader decodes the same header with a bit reader (naza/pkg/nazabits),
// the way pkg/mpegts/ts_packet_header.go in the reference repo does.
package ts

import (
	"github.com/q191201771/naza/pkg/nazabits"
)

const (
	// PacketSize is the fixed size of an MPEG-2 TS packet.
	PacketSize = 188

	SyncByte = 0x47

	HeaderSize = 4

	// MaxCC is the modulus of the 4-bit continuity counter.
	MaxCC = 16
)

// Reserved and well-known PIDs.
const (
	PIDPAT         uint16 = 0x0000
	PIDCAT         uint16 = 0x0001
	PIDTSDT        uint16 = 0x0002
	PIDSDT         uint16 = 0x0011
	PIDNull        uint16 = 0x1FFF
	ReservedPIDMax uint16 = 0x001F // PIDs 0x0000-0x001F must never be allocated for ECM use
)

// Scrambling control values, ts.b[3] bits 6-7.
const (
	ScramblingClear = 0x0
	ScramblingEven  = 0x2
	ScramblingOdd   = 0x3
)

// Adaptation field control values, ts.b[3] bits 4-5.
const (
	AdaptationFieldControlReserved = 0x0
	AdaptationFieldControlNone     = 0x1
	AdaptationFieldControlOnly     = 0x2
	AdaptationFieldControlBoth     = 0x3
)

// NullPacket is a complete stuffing packet on PIDNull with no adaptation
// field and an all-0xFF payload, used whenever degraded components need a
// TS-shaped placeholder.
var NullPacket = newNullPacket()

func newNullPacket() Packet {
	var p Packet
	p.B[0] = SyncByte
	p.B[1] = byte(PIDNull >> 8)
	p.B[2] = byte(PIDNull & 0xFF)
	p.B[3] = 0x10 // no scrambling, payload only, cc=0
	for i := HeaderSize; i < PacketSize; i++ {
		p.B[i] = 0xFF
	}
	return p
}

// Packet is a fixed 188-byte TS packet. It is a value type so it can be
// copied freely (e.g. when lifted out of an ECM packet cache).
type Packet struct {
	B [PacketSize]byte
}

// NewPacket builds a Packet from a raw 188-byte slice. The caller retains
// ownership of b; the bytes are copied.
func NewPacket(b []byte) (p Packet, ok bool) {
	if len(b) < PacketSize {
		return p, false
	}
	copy(p.B[:], b[:PacketSize])
	return p, true
}

func (p *Packet) HasValidSync() bool {
	return p.B[0] == SyncByte
}

func (p *Packet) TransportError() bool {
	return p.B[1]&0x80 != 0
}

func (p *Packet) PUSI() bool {
	return p.B[1]&0x40 != 0
}

func (p *Packet) Priority() bool {
	return p.B[1]&0x20 != 0
}

func (p *Packet) PID() uint16 {
	return (uint16(p.B[1]&0x1F) << 8) | uint16(p.B[2])
}

func (p *Packet) SetPID(pid uint16) {
	p.B[1] = (p.B[1] &^ 0x1F) | byte((pid>>8)&0x1F)
	p.B[2] = byte(pid & 0xFF)
}

func (p *Packet) ScramblingControl() uint8 {
	return (p.B[3] >> 6) & 0x03
}

func (p *Packet) SetScrambling(sc uint8) {
	p.B[3] = (p.B[3] &^ 0xC0) | ((sc & 0x03) << 6)
}

func (p *Packet) IsScrambled() bool {
	return p.ScramblingControl() != ScramblingClear
}

func (p *Packet) AdaptationFieldControl() uint8 {
	return (p.B[3] >> 4) & 0x03
}

func (p *Packet) HasAdaptationField() bool {
	afc := p.AdaptationFieldControl()
	return afc == AdaptationFieldControlOnly || afc == AdaptationFieldControlBoth
}

func (p *Packet) HasPayload() bool {
	afc := p.AdaptationFieldControl()
	return afc == AdaptationFieldControlNone || afc == AdaptationFieldControlBoth
}

func (p *Packet) CC() uint8 {
	return p.B[3] & 0x0F
}

func (p *Packet) SetCC(cc uint8) {
	p.B[3] = (p.B[3] &^ 0x0F) | (cc & 0x0F)
}

// AdaptationFieldLength returns the adaptation field length byte (not
// counting itself), or 0 if there is no adaptation field.
func (p *Packet) AdaptationFieldLength() int {
	if !p.HasAdaptationField() {
		return 0
	}
	return int(p.B[HeaderSize])
}

// HeaderSizeWithAdaptation returns the offset of the payload, i.e. the
// 4-byte fixed header plus the adaptation field (length byte included) if
// present.
func (p *Packet) HeaderSizeWithAdaptation() int {
	size := HeaderSize
	if p.HasAdaptationField() {
		size += 1 + p.AdaptationFieldLength()
	}
	return size
}

// Payload returns the payload bytes, or nil if there is none or the
// adaptation field consumes the whole packet.
func (p *Packet) Payload() []byte {
	if !p.HasPayload() {
		return nil
	}
	offset := p.HeaderSizeWithAdaptation()
	if offset >= PacketSize {
		return nil
	}
	return p.B[offset:]
}

// Header decodes the fixed 4-byte header using the bit-reader idiom shared
// with pkg/psi, mirroring pkg/mpegts.ParseTsPacketHeader.
type Header struct {
	Sync             uint8
	TransportError   uint8
	PayloadUnitStart uint8
	Priority         uint8
	PID              uint16
	ScramblingCtrl   uint8
	AdaptationField  uint8
	CC               uint8
}

func ParseHeader(b []byte) Header {
	br := nazabits.NewBitReader(b)
	var h Header
	h.Sync, _ = br.ReadBits8(8)
	h.TransportError, _ = br.ReadBits8(1)
	h.PayloadUnitStart, _ = br.ReadBits8(1)
	h.Priority, _ = br.ReadBits8(1)
	h.PID, _ = br.ReadBits16(13)
	h.ScramblingCtrl, _ = br.ReadBits8(2)
	h.AdaptationField, _ = br.ReadBits8(2)
	h.CC, _ = br.ReadBits8(4)
	return h
}
