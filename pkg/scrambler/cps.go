// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package scrambler

import (
	"context"

	"github.com/q191201771/naza/pkg/nazaatomic"

	"github.com/Littlelies/tsduck/pkg/ecmg"
	"github.com/Littlelies/tsduck/pkg/ts"
)

// RotationContext is everything a CryptoPeriodSlot needs from the plugin
// to arm itself: the slot never holds a pointer back to Plugin, callers
// pass this explicitly at each InitCycle/InitNext.
type RotationContext struct {
	Client         *ecmg.Client
	Synchronous    bool
	AccessCriteria []byte
	CPDurationCS   uint16
	RandomCW       func() [8]byte
	Packetize      func(ecmDatagram []byte) ([]ts.Packet, error)
}

// CryptoPeriodSlot is one half of the plugin's two-slot crypto-period
// rotation. slotIndex is fixed at construction: the array position IS
// the scrambling_control value this slot drives when active (even for
// array position 0, odd for 1), so slots never need to consult which one
// is "current" to know their own parity.
type CryptoPeriodSlot struct {
	slotIndex int

	CPNumber    uint16
	CWCurrent   [8]byte
	CWNext      [8]byte
	ECMPackets  []ts.Packet
	ECMPktIndex int

	ecmReady nazaatomic.Bool
}

// NewCryptoPeriodSlot returns a slot for array position slotIndex (0 or 1).
func NewCryptoPeriodSlot(slotIndex int) *CryptoPeriodSlot {
	return &CryptoPeriodSlot{slotIndex: slotIndex}
}

// ECMReady is the cross-thread publication flag: the plugin thread loads
// it (acquire, via nazaatomic), the ECMG callback thread stores it last
// (release) after ECMPackets/ECMPktIndex are already written.
func (s *CryptoPeriodSlot) ECMReady() bool {
	return s.ecmReady.Load()
}

// ScramblingControlValue returns the ts.ScramblingEven/ScramblingOdd value
// this slot stamps onto scrambled packets while it is the active CW,
// fixed-key mode notwithstanding (the caller overrides to Even there).
func (s *CryptoPeriodSlot) ScramblingControlValue() byte {
	if s.slotIndex == 1 {
		return ts.ScramblingOdd
	}
	return ts.ScramblingEven
}

// GetNextECMPacket cycles through the slot's pre-packetized ECM, wrapping
// around. An empty slot (section_TSpkt_flag true but a zero-byte ECM)
// returns a null packet rather than panicking.
func (s *CryptoPeriodSlot) GetNextECMPacket() ts.Packet {
	if len(s.ECMPackets) == 0 {
		return ts.NullPacket
	}
	pkt := s.ECMPackets[s.ECMPktIndex]
	s.ECMPktIndex = (s.ECMPktIndex + 1) % len(s.ECMPackets)
	return pkt
}

// InitCycle draws this slot's first pair of control words and submits
// ECM(cpNumber) to the ECMG, used only for cp[0] at startup.
func (s *CryptoPeriodSlot) InitCycle(ctx context.Context, cpNumber uint16, rc RotationContext) error {
	s.CPNumber = cpNumber
	s.CWCurrent = rc.RandomCW()
	s.CWNext = rc.RandomCW()
	s.ECMPackets = nil
	s.ECMPktIndex = 0
	s.ecmReady.Store(false)
	return s.submitECM(ctx, rc)
}

// InitNext arms this slot as the successor of previous: its current CW is
// previous's next CW (the rotation's shared value), a fresh next CW is
// drawn, and ECM(previous.CPNumber+1) is submitted.
func (s *CryptoPeriodSlot) InitNext(ctx context.Context, previous *CryptoPeriodSlot, rc RotationContext) error {
	s.CPNumber = previous.CPNumber + 1
	s.CWCurrent = previous.CWNext
	s.CWNext = rc.RandomCW()
	s.ECMPackets = nil
	s.ECMPktIndex = 0
	s.ecmReady.Store(false)
	return s.submitECM(ctx, rc)
}

func (s *CryptoPeriodSlot) submitECM(ctx context.Context, rc RotationContext) error {
	if rc.Client == nil {
		// No ECMG client: the slot is trivially ready with no ECM
		// packets to insert. (Fixed control-word mode never arms slots.)
		s.ecmReady.Store(true)
		return nil
	}

	req := ecmg.ECMRequest{
		CPNumber:       s.CPNumber,
		CWCurrent:      s.CWCurrent[:],
		CWNext:         s.CWNext[:],
		AccessCriteria: rc.AccessCriteria,
		CPDuration:     rc.CPDurationCS,
	}

	if rc.Synchronous {
		resp, err := rc.Client.GenerateECM(ctx, req)
		if err != nil {
			return err
		}
		return s.applyResponse(resp, rc)
	}

	cpNumber := s.CPNumber
	return rc.Client.SubmitECM(req, func(resp ecmg.ECMResponse, err error) {
		if err != nil || resp.CPNumber != cpNumber {
			// Leave ecmReady false: the plugin stays in degraded mode on
			// the previous slot. The request is not resubmitted and the
			// error is not reported to the plugin.
			return
		}
		_ = s.applyResponse(resp, rc)
	})
}

// applyResponse hands the ECMG's raw ECM_datagram to rc.Packetize, which
// knows whether the channel's section_TSpkt_flag means the bytes are
// already packet-aligned (and must be a multiple of ts.PacketSize, else
// tserr.ErrBadECMSize) or a raw section needing wrapping.
func (s *CryptoPeriodSlot) applyResponse(resp ecmg.ECMResponse, rc RotationContext) error {
	pkts, err := rc.Packetize(resp.ECMPackets)
	if err != nil {
		return err
	}
	s.ECMPackets = pkts
	s.ECMPktIndex = 0
	s.ecmReady.Store(true)
	return nil
}
