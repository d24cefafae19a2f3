// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package scrambler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Littlelies/tsduck/pkg/psi"
	"github.com/Littlelies/tsduck/pkg/section"
	"github.com/Littlelies/tsduck/pkg/ts"
)

// tableHandlerFunc adapts a plain func to section.TableHandler, for tests
// that want to decode a plugin's rewritten PMT back out of its packets.
type tableHandlerFunc func(d *section.Demux, t *psi.Table)

func (f tableHandlerFunc) HandleTable(d *section.Demux, t *psi.Table) {
	f(d, t)
}

func decodePMT(t *testing.T, pid uint16, pkts []ts.Packet) *psi.PMT {
	var captured *psi.Table
	h := tableHandlerFunc(func(d *section.Demux, tb *psi.Table) {
		if tb.TableID() == psi.TIDPMT {
			captured = tb
		}
	})
	d := section.NewDemux(h, nil)
	d.AddPID(pid)
	for i := range pkts {
		pkt := pkts[i]
		d.FeedPacket(&pkt)
	}
	assert.NotNil(t, captured, "PMT table not reassembled from packets")
	pmt, err := psi.ParsePMT(captured.Sections)
	assert.NoError(t, err)
	return pmt
}

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

const pmtPID = uint16(0x0100)

func buildPAT(serviceID uint16) []ts.Packet {
	pat := &psi.PAT{
		TransportStreamID:    1,
		CurrentNextIndicator: true,
		Programs:             []psi.PATProgram{{ProgramNumber: serviceID, PID: pmtPID}},
	}
	sect, err := pat.Serialize()
	if err != nil {
		panic(err)
	}
	return buildPackets(ts.PIDPAT, sect.Data, 0)
}

func buildPMT(videoPID, audioPID uint16) []ts.Packet {
	pmt := &psi.PMT{
		ProgramNumber:        1,
		CurrentNextIndicator: true,
		PCRPID:               videoPID,
		Streams: []psi.PMTStream{
			{StreamType: 0x02, PID: videoPID},
			{StreamType: 0x03, PID: audioPID},
		},
	}
	sect, err := pmt.Serialize()
	if err != nil {
		panic(err)
	}
	return buildPackets(pmtPID, sect.Data, 0)
}

func feedAll(t *testing.T, p *Plugin, pkts []ts.Packet) {
	for i := range pkts {
		status := p.ProcessPacket(&pkts[i])
		assert.NotEqual(t, StatusEnd, status, "unexpected abort: %v", p.abortErr)
	}
}

func newFixedCWPlugin(t *testing.T) *Plugin {
	cfg := Config{
		ServiceID:   1,
		ControlWord: make([]byte, 8),
	}
	p, err := NewPlugin(cfg, func() uint64 { return 15000000 })
	assert.NoError(t, err)
	assert.NoError(t, p.Connect(context.Background()))
	return p
}

func TestPluginFixedCWScramblesAfterDiscovery(t *testing.T) {
	p := newFixedCWPlugin(t)

	videoPID, audioPID := uint16(0x0101), uint16(0x0102)
	feedAll(t, p, buildPAT(1))
	assert.Equal(t, DiscoveringPMT, p.state)

	feedAll(t, p, buildPMT(videoPID, audioPID))
	assert.Equal(t, Scrambling, p.state)
	assert.True(t, p.scrambledPIDs[videoPID])
	assert.True(t, p.scrambledPIDs[audioPID])
	assert.NotZero(t, p.ecmPID)

	pmt := decodePMT(t, p.pmtPID, p.pmtPackets)
	ca, ok := psi.FindCADescriptor(pmt.ProgramDescriptors)
	assert.True(t, ok, "rewritten PMT is missing its CA_descriptor")
	assert.Equal(t, p.ecmPID, ca.CAPID)

	var videoPkt ts.Packet
	videoPkt.B[0] = ts.SyncByte
	videoPkt.SetPID(videoPID)
	videoPkt.B[3] = 0x10
	for i := 4; i < ts.PacketSize; i++ {
		videoPkt.B[i] = byte(i)
	}

	status := p.ProcessPacket(&videoPkt)
	assert.Equal(t, StatusOK, status)
	assert.True(t, videoPkt.IsScrambled())
	assert.Equal(t, uint8(ts.ScramblingEven), videoPkt.B[3]>>6)
}

func TestPluginFixedCWIgnoresUnlistedPID(t *testing.T) {
	p := newFixedCWPlugin(t)
	feedAll(t, p, buildPAT(1))
	feedAll(t, p, buildPMT(0x0101, 0x0102))

	var otherPkt ts.Packet
	otherPkt.B[0] = ts.SyncByte
	otherPkt.SetPID(0x0200)
	otherPkt.B[3] = 0x10

	status := p.ProcessPacket(&otherPkt)
	assert.Equal(t, StatusOK, status)
	assert.False(t, otherPkt.IsScrambled())
}

func TestPluginFailsOnUnknownService(t *testing.T) {
	p := newFixedCWPlugin(t)
	pkts := buildPAT(2) // service 1 requested, only service 2 present
	var status Status
	for i := range pkts {
		status = p.ProcessPacket(&pkts[i])
	}
	assert.Equal(t, StatusEnd, status)

	aborted, err := p.IsAborted()
	assert.True(t, aborted)
	assert.Error(t, err)
}

func TestPluginPacketsAreNullBeforeDiscoveryCompletes(t *testing.T) {
	p := newFixedCWPlugin(t)

	var pkt ts.Packet
	pkt.B[0] = ts.SyncByte
	pkt.SetPID(0x0101)
	pkt.B[3] = 0x10

	status := p.ProcessPacket(&pkt)
	assert.Equal(t, StatusNull, status)
	assert.Equal(t, ts.PIDNull, pkt.PID())
}

func TestPacketDistance(t *testing.T) {
	assert.Equal(t, uint64(0), PacketDistance(0, 1000))
	// 15 Mbps, 2000 ms: 15_000_000 * 2 / (8*188) packets.
	assert.Equal(t, (uint64(15000000)*2000)/(8*uint64(ts.PacketSize)*1000), PacketDistance(15000000, 2000))
}

// newRotationPlugin builds a Plugin in ECMG-driven (non-fixed-CW) mode
// without dialing a real ECMG: Connect is never called, so p.client stays
// nil and every crypto-period slot's submitECM treats that as an ECMG
// response that is trivially, immediately ready, leaving
// delayStartMs/sectionTSpktFlag as the only inputs
// the rotation schedule depends on.
func newRotationPlugin(t *testing.T, cpDurationSeconds int, bps uint64, delayStartMs int32) *Plugin {
	cfg := Config{
		ServiceID:         1,
		ECMGAddr:          "127.0.0.1:0",
		CPDurationSeconds: cpDurationSeconds,
	}
	p, err := NewPlugin(cfg, func() uint64 { return bps })
	assert.NoError(t, err)
	p.ctx = context.Background()
	p.delayStartMs = delayStartMs
	return p
}

func feedNull(p *Plugin) ts.Packet {
	pkt := ts.NullPacket
	p.ProcessPacket(&pkt)
	return pkt
}

// SP-async-rotation: current_cw/current_ecm each toggle exactly when
// packetCount reaches their scheduled packet count, not before and not
// more than once.
func TestPluginAsyncRotationTogglesAtScheduledPacketCount(t *testing.T) {
	const bps = uint64(1504000) // PacketDistance(bps, 1000ms) == 1000 packets exactly
	p := newRotationPlugin(t, 1, bps, 0)

	feedAll(t, p, buildPAT(1))
	feedAll(t, p, buildPMT(0x0101, 0x0102))
	assert.Equal(t, Scrambling, p.state)

	assert.Equal(t, 0, p.currentCW)
	assert.Equal(t, 0, p.currentECM)
	assert.Equal(t, p.pktChangeCW, p.pktChangeECM, "delay_start 0 schedules both clocks together")

	target := p.pktChangeCW
	for p.packetCount < target-1 {
		feedNull(p)
	}
	assert.Equal(t, 0, p.currentCW, "must not toggle before its scheduled packet count")
	assert.Equal(t, 0, p.currentECM)

	feedNull(p)
	assert.Equal(t, target, p.packetCount)
	assert.Equal(t, 1, p.currentCW, "must toggle once its scheduled packet count is reached")
	assert.Equal(t, 1, p.currentECM)
}

// SP-degraded-recovery: the ECMG being slow to prepare the next
// crypto-period's ECM forces degraded mode at the scheduled change point;
// once the slot becomes ready, recovery catches the schedule up per the
// delay_start sign rule instead of toggling both clocks back to "now".
func TestPluginDegradedModeRecoversPerDelayStartSign(t *testing.T) {
	const bps = uint64(1504000) // PacketDistance(bps, 1000ms) == 1000 packets exactly
	const delayStartMs = int32(-500)
	p := newRotationPlugin(t, 1, bps, delayStartMs)

	feedAll(t, p, buildPAT(1))
	feedAll(t, p, buildPMT(0x0101, 0x0102))
	assert.Equal(t, Scrambling, p.state)

	// Simulate the ECMG not having answered for crypto-period 1 yet.
	p.slots[1].ecmReady.Store(false)

	for p.packetCount < p.pktChangeCW {
		feedNull(p)
	}
	assert.True(t, p.degraded, "must enter degraded mode when the next slot isn't ready")
	assert.Equal(t, 0, p.currentCW)
	assert.Equal(t, 0, p.currentECM)

	// A few more insertion opportunities pass with the slot still not
	// ready: still degraded, no spurious toggle.
	for i := 0; i < 5; i++ {
		feedNull(p)
	}
	assert.True(t, p.degraded)
	assert.Equal(t, 0, p.currentCW)
	assert.Equal(t, 0, p.currentECM)

	// The ECMG finally answers. Recovery only runs on an ECM insertion
	// opportunity, so drive forward until one lands (at most one
	// ECM-insertion period away).
	p.slots[1].ecmReady.Store(true)
	recovered := false
	for i := 0; i < 64; i++ {
		feedNull(p)
		if !p.degraded {
			recovered = true
			break
		}
	}
	assert.True(t, recovered, "degraded mode must clear once the pending slot becomes ready")

	// delay_start < 0: changeECM happens now (full-period reset via the
	// real changeECM()), changeCW is merely rescheduled to catch up later.
	assert.Equal(t, 1, p.currentECM)
	assert.Equal(t, 0, p.currentCW)
	assert.Equal(t, p.packetCount+PacketDistance(bps, 1000), p.pktChangeECM)
	assert.Equal(t, p.packetCount+PacketDistance(bps, 500), p.pktChangeCW)

	// Driving forward to the rescheduled catch-up point fires the
	// delayed changeCW, completing the recovery. The target is captured
	// first: changeCW itself moves pktChangeCW one period further on.
	catchUp := p.pktChangeCW
	for p.packetCount < catchUp {
		feedNull(p)
	}
	assert.Equal(t, 1, p.currentCW)
}
