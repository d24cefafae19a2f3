// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package scrambler implements the DVB-CSA scrambling plugin: a
// service-discovery state machine built on pkg/section, a two-slot
// crypto-period rotation built on CryptoPeriodSlot and pkg/ecmg, and the
// per-packet scrambling decision.
package scrambler

import (
	"context"
	"crypto/rand"

	"github.com/q191201771/naza/pkg/bitrate"
	"github.com/q191201771/naza/pkg/nazalog"

	"github.com/Littlelies/tsduck/pkg/csa"
	"github.com/Littlelies/tsduck/pkg/ecmg"
	"github.com/Littlelies/tsduck/pkg/psi"
	"github.com/Littlelies/tsduck/pkg/section"
	"github.com/Littlelies/tsduck/pkg/tserr"
	"github.com/Littlelies/tsduck/pkg/ts"
)

// State is the plugin's service-discovery state machine.
type State int

const (
	DiscoveringService State = iota
	DiscoveringPMT
	Scrambling
	Aborting
)

// Status is ProcessPacket's per-packet verdict.
type Status int

const (
	StatusOK Status = iota
	StatusNull
	StatusDrop
	StatusEnd
)

// Config is the plugin's start-time configuration, one field per
// cmd/tsscramble CLI flag.
type Config struct {
	ServiceName string
	ServiceID   uint16

	ControlWord []byte // 8 bytes; fixed-CW mode when non-empty, no ECMG used

	ECMGAddr       string
	SuperCASID     uint32
	ChannelID      uint16
	StreamID       uint16
	ECMID          uint16
	ECMGSCSVersion int // 2 or 3

	CPDurationSeconds int
	ECMBitrate        uint64
	ECMPID            uint16 // 0 = auto-allocate
	CASystemID        uint16
	AccessCriteria    []byte
	PrivateData       []byte

	PartialScrambling int // N; 0 or 1 means every eligible packet is scrambled

	NoAudio    bool
	NoVideo    bool
	Subtitles  bool

	ComponentLevel     bool
	NoEntropyReduction bool
	IgnoreScrambled    bool
	Synchronous        bool
}

func (c Config) entropyMode() csa.EntropyMode {
	if c.NoEntropyReduction {
		return csa.FullCW
	}
	return csa.ReduceEntropy
}

const defaultECMBitrate uint64 = 30000

// PacketDistance converts a duration in milliseconds to a packet count at
// the given bitrate.
func PacketDistance(bitrate uint64, millis int64) uint64 {
	if bitrate == 0 || millis <= 0 {
		return 0
	}
	return (bitrate * uint64(millis)) / (8 * uint64(ts.PacketSize) * 1000)
}

// Plugin drives one scrambling session: service discovery, PMT rewriting,
// crypto-period rotation, and per-packet scrambling. Not safe for
// concurrent ProcessPacket calls; it is meant to be driven from a single
// packet-processing thread. The ECMG client's SubmitECM callback
// goroutines still run concurrently and write into a CryptoPeriodSlot,
// publishing through its atomic ecmReady flag.
type Plugin struct {
	cfg             Config
	bitrateProvider func() uint64 // optional host override; nil uses the internal br sampler
	br              bitrate.Bitrate
	ctx             context.Context

	demux  *section.Demux
	client *ecmg.Client

	state     State
	abort     bool
	abortErr  error
	fixedMode bool

	serviceID uint16
	pat       *psi.PAT
	pmtPID    uint16
	ecmPID    uint16
	ecmPIDAuto bool

	inputPIDs       map[uint16]bool
	scrambledPIDs   map[uint16]bool
	partialCounters map[uint16]uint64
	loggedScrambled map[uint16]bool

	packetCount uint64
	tsBitrate   uint64

	cpDurationCS     uint16
	delayStartMs     int32
	sectionTSpktFlag bool

	pktChangeCW, pktChangeECM, pktInsertECM uint64
	currentCW, currentECM                  int
	degraded                                bool
	slots                                   [2]*CryptoPeriodSlot
	ciphers                                 [2]*csa.Scrambler

	fixedCipher *csa.Scrambler

	ecmCC uint8

	pmtPacketizer *sectionPacketizer
	pmtPackets    []ts.Packet
	pmtPktIndex   int
}

// NewPlugin validates cfg and returns a Plugin ready for Connect.
// bitrateProvider is an optional host override (see tsio.BitrateProvider);
// when nil the plugin estimates the multiplex bitrate itself from packet
// arrivals via naza/pkg/bitrate, the same sampler app/demo/pushrtmp tracks
// outbound traffic with.
func NewPlugin(cfg Config, bitrateProvider func() uint64) (*Plugin, error) {
	if len(cfg.ControlWord) == 0 && cfg.ECMGAddr == "" {
		return nil, tserr.ErrNoControlWordOrECMG
	}

	p := &Plugin{
		cfg:             cfg,
		bitrateProvider: bitrateProvider,
		br:              bitrate.New(),
		fixedMode:       len(cfg.ControlWord) > 0,
		state:           DiscoveringService,
		inputPIDs:       make(map[uint16]bool),
		scrambledPIDs:   make(map[uint16]bool),
		partialCounters: make(map[uint16]uint64),
		loggedScrambled: make(map[uint16]bool),
		serviceID:       cfg.ServiceID,
	}
	p.demux = section.NewDemux(p, nil)
	if cfg.ServiceName != "" {
		p.demux.AddPID(ts.PIDSDT)
	} else {
		p.demux.AddPID(ts.PIDPAT)
	}
	return p, nil
}

// Connect dials the ECMG (no-op in fixed-CW mode) and records the
// channel's delay_start/section_TSpkt_flag for the rotation scheduler.
func (p *Plugin) Connect(ctx context.Context) error {
	p.ctx = ctx
	if p.fixedMode {
		return nil
	}

	p.client = ecmg.NewClient(protocolVersion(p.cfg.ECMGSCSVersion))
	cpDurationCS := uint16(p.cfg.CPDurationSeconds * 10)
	chanStatus, _, err := p.client.Connect(ctx, p.cfg.ECMGAddr, p.cfg.SuperCASID, p.cfg.ChannelID, p.cfg.StreamID, p.cfg.ECMID, cpDurationCS)
	if err != nil {
		return err
	}
	p.sectionTSpktFlag = chanStatus.SectionTSpktFlag

	half := int32(p.cfg.CPDurationSeconds*1000) / 2
	ds := chanStatus.DelayStart
	if ds > half {
		ds = half
	}
	if ds < -half {
		ds = -half
	}
	p.delayStartMs = ds
	return nil
}

func protocolVersion(v int) ecmg.ProtocolVersion {
	if v == 3 {
		return ecmg.V3
	}
	return ecmg.V2
}

// IsAborted reports whether the plugin reached the terminal Aborting
// state, and why.
func (p *Plugin) IsAborted() (bool, error) {
	return p.abort, p.abortErr
}

func (p *Plugin) fail(err error) {
	p.abort = true
	p.state = Aborting
	p.abortErr = err
	nazalog.Errorf("scrambler: aborting: %v", err)
}

// ---------------------------------------------------------------------------------------------------------------------
// section.TableHandler
// ---------------------------------------------------------------------------------------------------------------------

func (p *Plugin) HandleTable(d *section.Demux, t *psi.Table) {
	switch t.TableID() {
	case psi.TIDSDTAct:
		p.handleSDT(t)
	case psi.TIDPAT:
		p.handlePAT(t)
	case psi.TIDPMT:
		p.handlePMT(t)
	}
}

func (p *Plugin) handleSDT(t *psi.Table) {
	if p.state != DiscoveringService || p.cfg.ServiceName == "" {
		return
	}
	sdt, err := psi.ParseSDT(t.Sections)
	if err != nil {
		return
	}
	id, ok := sdt.FindServiceByName(p.cfg.ServiceName)
	if !ok {
		return // wait for a later SDT version naming the service
	}
	p.serviceID = id
	p.demux.RemovePID(ts.PIDSDT)
	p.demux.AddPID(ts.PIDPAT)
}

func (p *Plugin) handlePAT(t *psi.Table) {
	if p.state != DiscoveringService {
		return
	}
	pat, err := psi.ParsePAT(t.Sections)
	if err != nil {
		return
	}
	p.pat = pat
	for _, prog := range pat.Programs {
		if prog.ProgramNumber != 0 {
			p.inputPIDs[prog.PID] = true
		}
	}
	pmtPID, ok := pat.FindPMTPID(p.serviceID)
	if !ok {
		p.fail(tserr.ErrServiceNotFound)
		return
	}
	p.pmtPID = pmtPID
	p.demux.RemovePID(ts.PIDPAT)
	p.demux.AddPID(pmtPID)
	p.state = DiscoveringPMT
}

func (p *Plugin) handlePMT(t *psi.Table) {
	if p.state != DiscoveringPMT {
		return
	}
	pmt, err := psi.ParsePMT(t.Sections)
	if err != nil {
		return
	}

	p.buildScrambledPIDs(pmt)
	if err := p.allocateECMPID(pmt); err != nil {
		p.fail(err)
		return
	}
	p.injectCADescriptor(pmt)

	sect, err := pmt.Serialize()
	if err != nil {
		p.fail(err)
		return
	}
	p.pmtPacketizer = newSectionPacketizer(p.pmtPID)
	p.pmtPackets = p.pmtPacketizer.packetize(sect.Data)
	p.pmtPktIndex = 0

	if p.tsBitrate == 0 {
		p.fail(tserr.ErrUnknownBitrate)
		return
	}

	if p.fixedMode {
		p.fixedCipher = csa.NewScrambler()
		if err := p.fixedCipher.Init(p.cfg.ControlWord, p.cfg.entropyMode()); err != nil {
			p.fail(err)
			return
		}
	} else if err := p.enterRotation(); err != nil {
		p.fail(err)
		return
	}

	p.state = Scrambling
}

// componentClass classifies a PMT stream_type into the toggle groups the
// --no-audio/--no-video/--subtitles flags apply to. Not exhaustive:
// unmatched types are never scrambled.
func componentClass(streamType uint8) string {
	switch streamType {
	case 0x01, 0x02, 0x10, 0x1B, 0x24:
		return "video"
	case 0x03, 0x04, 0x0F, 0x11:
		return "audio"
	case 0x06:
		return "subtitles"
	default:
		return "other"
	}
}

func (p *Plugin) buildScrambledPIDs(pmt *psi.PMT) {
	p.scrambledPIDs = make(map[uint16]bool)
	for _, st := range pmt.Streams {
		switch componentClass(st.StreamType) {
		case "video":
			if !p.cfg.NoVideo {
				p.scrambledPIDs[st.PID] = true
			}
		case "audio":
			if !p.cfg.NoAudio {
				p.scrambledPIDs[st.PID] = true
			}
		case "subtitles":
			if p.cfg.Subtitles {
				p.scrambledPIDs[st.PID] = true
			}
		}
	}
}

func (p *Plugin) allocateECMPID(pmt *psi.PMT) error {
	claimed := func(pid uint16) bool {
		if pid <= ts.ReservedPIDMax || pid == p.pmtPID {
			return true
		}
		if p.inputPIDs[pid] || p.scrambledPIDs[pid] {
			return true
		}
		return false
	}

	if p.cfg.ECMPID != 0 {
		if claimed(p.cfg.ECMPID) {
			return tserr.ErrECMPIDConflict
		}
		p.ecmPID = p.cfg.ECMPID
		p.ecmPIDAuto = false
		return nil
	}

	for pid := p.pmtPID + 1; pid < ts.PIDNull; pid++ {
		if !claimed(pid) {
			p.ecmPID = pid
			p.ecmPIDAuto = true
			return nil
		}
	}
	return tserr.ErrNoFreeECMPID
}

func (p *Plugin) injectCADescriptor(pmt *psi.PMT) {
	ca := &psi.CADescriptor{
		CASystemID:  p.cfg.CASystemID,
		CAPID:       p.ecmPID,
		PrivateData: p.cfg.PrivateData,
	}
	d, err := ca.ToDescriptor()
	if err != nil {
		nazalog.Errorf("scrambler: CA_descriptor too long, skipping: %v", err)
		return
	}

	if !p.cfg.ComponentLevel {
		pmt.ProgramDescriptors = append(pmt.ProgramDescriptors, d)
		return
	}
	for i := range pmt.Streams {
		if p.scrambledPIDs[pmt.Streams[i].PID] {
			pmt.Streams[i].Descriptors = append(pmt.Streams[i].Descriptors, d)
		}
	}
}

// ---------------------------------------------------------------------------------------------------------------------
// crypto-period rotation
// ---------------------------------------------------------------------------------------------------------------------

func (p *Plugin) rotationContext() RotationContext {
	return RotationContext{
		Client:         p.client,
		Synchronous:    p.cfg.Synchronous,
		AccessCriteria: p.cfg.AccessCriteria,
		CPDurationCS:   p.cpDurationCS,
		RandomCW:       randomCW,
		Packetize:      p.packetizeECM,
	}
}

func randomCW() [8]byte {
	var cw [8]byte
	_, _ = rand.Read(cw[:])
	return cw
}

func (p *Plugin) packetizeECM(raw []byte) ([]ts.Packet, error) {
	if len(raw) == 0 {
		return nil, nil // a zero-length ECM_datagram is accepted as "no ECM this cycle"
	}
	if p.sectionTSpktFlag {
		if len(raw)%ts.PacketSize != 0 {
			return nil, tserr.ErrBadECMSize
		}
		return splitIntoPackets(raw), nil
	}
	if _, err := psi.ParseSection(raw, psi.PIDUnknown); err != nil {
		return nil, tserr.ErrInvalidECMSection
	}
	return newSectionPacketizer(p.ecmPID).packetize(raw), nil
}

func (p *Plugin) enterRotation() error {
	p.cpDurationCS = uint16(p.cfg.CPDurationSeconds * 10)
	cpDurationMs := int64(p.cfg.CPDurationSeconds) * 1000

	p.pktInsertECM = p.packetCount
	p.pktChangeCW = p.packetCount + PacketDistance(p.tsBitrate, cpDurationMs)
	delayDist := PacketDistance(p.tsBitrate, absInt64(int64(p.delayStartMs)))
	if p.delayStartMs > 0 {
		p.pktChangeECM = p.pktChangeCW + delayDist
	} else {
		p.pktChangeECM = p.pktChangeCW - delayDist
	}

	p.currentCW, p.currentECM = 0, 0
	p.slots[0] = NewCryptoPeriodSlot(0)
	p.slots[1] = NewCryptoPeriodSlot(1)

	if err := p.slots[0].InitCycle(p.ctx, 0, p.rotationContext()); err != nil {
		return err
	}
	p.ciphers[0] = newCipher(p.slots[0].CWCurrent, p.cfg.entropyMode())

	if err := p.slots[1].InitNext(p.ctx, p.slots[0], p.rotationContext()); err != nil {
		return err
	}
	p.ciphers[1] = newCipher(p.slots[1].CWCurrent, p.cfg.entropyMode())

	return nil
}

func newCipher(cw [8]byte, mode csa.EntropyMode) *csa.Scrambler {
	c := csa.NewScrambler()
	_ = c.Init(cw[:], mode)
	return c
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// rearmSlot re-initializes slot i as the successor of slot i^1 and
// re-keys its cipher with the freshly assigned current CW. The ECM
// submission to the ECMG may be asynchronous; the CW itself (and the
// cipher) is always ready immediately.
func (p *Plugin) rearmSlot(i int) {
	if err := p.slots[i].InitNext(p.ctx, p.slots[i^1], p.rotationContext()); err != nil {
		p.fail(err)
		return
	}
	p.ciphers[i] = newCipher(p.slots[i].CWCurrent, p.cfg.entropyMode())
}

func (p *Plugin) changeCW() {
	target := p.currentCW ^ 1
	if !p.slots[target].ECMReady() {
		if !p.degraded {
			nazalog.Warnf("scrambler: entering degraded mode, control word for CP not ready")
		}
		p.degraded = true
		return
	}
	p.currentCW = target
	p.pktChangeCW = p.packetCount + PacketDistance(p.tsBitrate, int64(p.cfg.CPDurationSeconds)*1000)
	if p.currentECM == p.currentCW {
		p.rearmSlot(p.currentCW ^ 1)
	}
}

func (p *Plugin) changeECM() {
	target := p.currentECM ^ 1
	if !p.slots[target].ECMReady() {
		if !p.degraded {
			nazalog.Warnf("scrambler: entering degraded mode, ECM for CP not ready")
		}
		p.degraded = true
		return
	}
	p.currentECM = target
	p.pktChangeECM = p.packetCount + PacketDistance(p.tsBitrate, int64(p.cfg.CPDurationSeconds)*1000)
	if p.currentECM == p.currentCW {
		p.rearmSlot(p.currentCW ^ 1)
	}
}

// tryExitDegraded is called on every ECM packet insertion: once the slot
// that rotation is waiting on becomes ready, catch the schedule up per
// the delay_start sign rule.
func (p *Plugin) tryExitDegraded() {
	if !p.degraded {
		return
	}
	target := p.currentCW ^ 1
	if !p.slots[target].ECMReady() {
		return
	}
	p.degraded = false

	dist := PacketDistance(p.tsBitrate, absInt64(int64(p.delayStartMs)))
	if p.delayStartMs < 0 {
		p.changeECM()
		p.pktChangeCW = p.packetCount + dist
	} else {
		p.changeCW()
		p.pktChangeECM = p.packetCount + dist
	}
}

// ---------------------------------------------------------------------------------------------------------------------
// per-packet processing
// ---------------------------------------------------------------------------------------------------------------------

// ProcessPacket runs the per-packet scrambling decision on pkt, mutating
// it in place, and returns how the caller should treat it.
func (p *Plugin) ProcessPacket(pkt *ts.Packet) Status {
	if p.abort {
		return StatusEnd
	}

	p.packetCount++
	p.inputPIDs[pkt.PID()] = true
	p.br.Add(ts.PacketSize)
	if p.bitrateProvider != nil {
		if br := p.bitrateProvider(); br != 0 {
			p.tsBitrate = br
		}
	} else if rate := p.br.Rate(); rate != 0 {
		p.tsBitrate = uint64(rate * 1000) // kbit/s -> bit/s
	}

	p.demux.FeedPacket(pkt)
	if p.abort {
		return StatusEnd
	}

	if p.ecmPIDAuto && pkt.PID() == p.ecmPID {
		p.fail(tserr.ErrECMPIDConflict)
		return StatusEnd
	}

	if p.state != Scrambling {
		*pkt = ts.NullPacket
		return StatusNull
	}

	if pkt.PID() == p.pmtPID && len(p.pmtPackets) > 0 {
		originalCC := pkt.CC()
		*pkt = p.pmtPackets[p.pmtPktIndex]
		pkt.SetCC(originalCC)
		p.pmtPktIndex = (p.pmtPktIndex + 1) % len(p.pmtPackets)
	}

	if !p.fixedMode {
		// While degraded, both clocks are held; tryExitDegraded restarts them.
		if !p.degraded && p.packetCount >= p.pktChangeCW {
			p.changeCW()
		}
		if !p.degraded && p.packetCount >= p.pktChangeECM {
			p.changeECM()
		}

		if pkt.PID() == ts.PIDNull && p.packetCount >= p.pktInsertECM {
			ecmPkt := p.slots[p.currentECM].GetNextECMPacket()
			*pkt = ecmPkt
			pkt.SetPID(p.ecmPID)
			pkt.SetCC(p.ecmCC)
			p.ecmCC = (p.ecmCC + 1) % ts.MaxCC

			ecmBitrate := p.cfg.ECMBitrate
			if ecmBitrate == 0 {
				ecmBitrate = defaultECMBitrate
			}
			if p.tsBitrate != 0 {
				p.pktInsertECM += p.tsBitrate / ecmBitrate
			}
			p.tryExitDegraded()
		}
	}

	pid := pkt.PID()
	if !p.scrambledPIDs[pid] || !pkt.HasPayload() {
		return StatusOK
	}

	if pkt.IsScrambled() {
		if p.cfg.IgnoreScrambled {
			if !p.loggedScrambled[pid] {
				nazalog.Warnf("scrambler: PID 0x%04X already scrambled in input, passing through", pid)
				p.loggedScrambled[pid] = true
			}
			return StatusOK
		}
		p.fail(tserr.ErrAlreadyScrambled)
		return StatusEnd
	}

	n := uint64(p.cfg.PartialScrambling)
	if n < 1 {
		n = 1
	}
	p.partialCounters[pid]++
	if p.partialCounters[pid]%n != 0 {
		return StatusOK
	}

	payload := pkt.Payload()
	var sc byte
	if p.fixedMode {
		_ = p.fixedCipher.Encrypt(payload)
		sc = ts.ScramblingEven
	} else {
		_ = p.ciphers[p.currentCW].Encrypt(payload)
		sc = p.slots[p.currentCW].ScramblingControlValue()
	}
	pkt.SetScrambling(sc)

	return StatusOK
}
