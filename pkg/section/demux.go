// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package section reconstructs PSI/SI sections and tables out of a live
// MPEG-2 TS packet stream, the Go counterpart of TSDuck's
// ts::SectionDemux. The per-packet state machine (continuity tracking,
// pointer-field handling, section reassembly, re-entrancy guarding) is
// ported step for step from tsSectionDemux.cpp; only the storage shapes
// are idiomatic Go (maps and slices instead of STL containers and raw
// pointers).
package section

import (
	"github.com/q191201771/naza/pkg/nazalog"

	"github.com/Littlelies/tsduck/pkg/psi"
	"github.com/Littlelies/tsduck/pkg/ts"
)

// Status counts the demux's anomalies, mirroring
// ts::SectionDemux::Status.
type Status struct {
	InvalidTS       uint64
	Discontinuities uint64
	Scrambled       uint64
	InvSectLength   uint64
	InvSectIndex    uint64
	WrongCRC        uint64
}

// HasErrors reports whether any counter is non-zero.
func (s Status) HasErrors() bool {
	return s.InvalidTS != 0 || s.Discontinuities != 0 || s.Scrambled != 0 ||
		s.InvSectLength != 0 || s.InvSectIndex != 0 || s.WrongCRC != 0
}

// TableHandler is notified once every section_number of a table has been
// collected under one version.
type TableHandler interface {
	HandleTable(d *Demux, t *psi.Table)
}

// SectionHandler is notified for every section accepted by the demux,
// before the table it belongs to is necessarily complete.
type SectionHandler interface {
	HandleSection(d *Demux, s *psi.Section)
}

// etidContext tracks a table's in-progress reassembly on one PID.
type etidContext struct {
	version      uint8
	sectExpected int
	sectReceived int
	sects        []*psi.Section // indexed by section_number; nil entry == not yet received
}

// pidContext is the per-PID reassembly state: continuity tracking, the
// raw section-reassembly buffer, and one etidContext per table seen on
// this PID.
type pidContext struct {
	sync         bool
	continuity   uint8
	pusiPktIndex uint64
	buf          []byte
	tids         map[psi.ETID]*etidContext
}

func newPIDContext() *pidContext {
	return &pidContext{tids: make(map[psi.ETID]*etidContext)}
}

// syncLost mirrors PIDContext::syncLost(): drop the reassembly buffer and
// wait for the next PUSI to re-synchronize.
func (pc *pidContext) syncLost() {
	pc.sync = false
	pc.buf = pc.buf[:0]
}

// Demux reconstructs sections and tables from a packet stream.
// Like its C++ counterpart it is not thread-safe: callers (pkg/scrambler's
// Plugin, in particular) drive it from a single goroutine.
type Demux struct {
	tableHandler   TableHandler
	sectionHandler SectionHandler

	filterAll bool
	pidFilter map[uint16]struct{}

	pids        map[uint16]*pidContext
	status      Status
	packetCount uint64

	anomalies *anomalyRing
}

// NewDemux creates a Demux with no watched PIDs. Use AddPID or
// SetFilterAllPIDs before feeding packets.
func NewDemux(tableHandler TableHandler, sectionHandler SectionHandler) *Demux {
	return &Demux{
		tableHandler:   tableHandler,
		sectionHandler: sectionHandler,
		pidFilter:      make(map[uint16]struct{}),
		pids:           make(map[uint16]*pidContext),
		anomalies:      newAnomalyRing(32),
	}
}

// AddPID adds pid to the set of watched PIDs.
func (d *Demux) AddPID(pid uint16) {
	d.pidFilter[pid] = struct{}{}
}

// RemovePID removes pid from the set of watched PIDs. The PID's
// reassembly state, if any, is left untouched: ResetPID clears that.
func (d *Demux) RemovePID(pid uint16) {
	delete(d.pidFilter, pid)
}

// SetFilterAllPIDs makes the demux process every PID regardless of
// AddPID/RemovePID, the way a --filter-all-sections-pids plugin option
// would.
func (d *Demux) SetFilterAllPIDs(all bool) {
	d.filterAll = all
}

// Reset drops every PID's reassembly state. Sections and tables that were
// only partially received are discarded.
func (d *Demux) Reset() {
	d.pids = make(map[uint16]*pidContext)
}

// ResetPID drops the reassembly state of one PID only.
func (d *Demux) ResetPID(pid uint16) {
	delete(d.pids, pid)
}

// Status returns a snapshot of the anomaly counters.
func (d *Demux) Status() Status {
	return d.status
}

// PacketCount returns the number of packets fed to the demux so far
// (watched or not), matching ts::SectionDemux::packetCount().
func (d *Demux) PacketCount() uint64 {
	return d.packetCount
}

// LastAnomalies returns the most recent diagnostic anomalies recorded by
// the demux, oldest first. It is a read-only supplement to Status: it
// does not change FeedPacket's behavior.
func (d *Demux) LastAnomalies() []string {
	return d.anomalies.snapshot()
}

// FeedPacket processes one TS packet, the Go equivalent of feedPacket().
func (d *Demux) FeedPacket(pkt *ts.Packet) {
	pid := pkt.PID()
	if d.filterAll || d.isWatched(pid) {
		d.processPacket(pkt)
	}
	d.packetCount++
}

func (d *Demux) isWatched(pid uint16) bool {
	_, ok := d.pidFilter[pid]
	return ok
}

func (d *Demux) getOrCreatePID(pid uint16) *pidContext {
	pc, ok := d.pids[pid]
	if !ok {
		pc = newPIDContext()
		d.pids[pid] = pc
	}
	return pc
}

// processPacket ports ts::SectionDemux::processPacket() almost line for
// line; see tsSectionDemux.cpp for the authoritative description of every
// branch.
func (d *Demux) processPacket(pkt *ts.Packet) {
	if !pkt.HasValidSync() {
		d.status.InvalidTS++
		return
	}

	pid := pkt.PID()
	pc := d.getOrCreatePID(pid)

	if pkt.IsScrambled() {
		d.status.Scrambled++
		pc.syncLost()
		return
	}

	cc := pkt.CC()
	if pc.sync {
		if cc == pc.continuity {
			return
		}
		if cc != (pc.continuity+1)%ts.MaxCC {
			d.status.Discontinuities++
			pc.syncLost()
		}
	}
	pc.continuity = cc

	headerSize := pkt.HeaderSizeWithAdaptation()
	if !pkt.HasPayload() || headerSize >= ts.PacketSize {
		return
	}

	var pointerField int
	var payload []byte
	pusiPktIndex := pc.pusiPktIndex

	if pkt.PUSI() {
		pc.pusiPktIndex = d.packetCount
		if headerSize+3 <= ts.PacketSize &&
			pkt.B[headerSize] == 0x00 && pkt.B[headerSize+1] == 0x00 && pkt.B[headerSize+2] == 0x01 {
			// Looks like a PES start code: this PID does not actually
			// carry sections (or switched away from them).
			pc.syncLost()
			return
		}
		pointerField = int(pkt.B[headerSize])
		payload = pkt.B[headerSize+1:]
		if pointerField >= len(payload) {
			pc.syncLost()
			return
		}
		if pointerField == 0 {
			pusiPktIndex = d.packetCount
		}
	} else {
		payload = pkt.B[headerSize:]
	}

	if len(payload) == 0 {
		return
	}

	if !pc.sync {
		if !pkt.PUSI() {
			return
		}
		payload = payload[pointerField:]
		pointerField = 0
		pc.sync = true
	}

	payloadStart := len(pc.buf)
	pc.buf = append(pc.buf, payload...)

	pusiSectionOffset := -1
	if pkt.PUSI() {
		pusiSectionOffset = payloadStart + pointerField
	}

	cursor := 0
	bufLen := len(pc.buf)

	for bufLen-cursor >= 3 {
		buf := pc.buf[cursor:]

		if buf[0] == psi.StuffingTableID {
			cursor = bufLen
			break
		}

		sectionOK := true
		tid := buf[0]
		raw := uint16(buf[1])<<8 | uint16(buf[2])
		longHeader := raw&0x8000 != 0
		sectionLength := int(raw&0x0FFF) + psi.MinShortSectionSize

		if sectionLength > psi.MaxPrivateSectionSize ||
			sectionLength < psi.MinShortSectionSize ||
			(longHeader && sectionLength < psi.MinLongSectionSize) {
			d.status.InvSectLength++
			d.anomalies.add("inv_sect_length on PID")
			pc.syncLost()
			return
		}

		if bufLen-cursor < sectionLength {
			break // wait for more packets
		}

		if pusiSectionOffset >= 0 && cursor < pusiSectionOffset && cursor+sectionLength > pusiSectionOffset {
			// The section we thought was complete actually overruns the
			// next section's announced start: it was truncated.
			sectionOK = false
			sectionLength = pusiSectionOffset - cursor
		}

		var version uint8
		isNext := false
		var sectionNumber, lastSectionNumber uint8

		etid := psi.ETID{TableID: tid}
		if sectionOK && longHeader {
			etid.TableIDExtension = uint16(buf[3])<<8 | uint16(buf[4])
			version = (buf[5] >> 1) & 0x1F
			isNext = buf[5]&0x01 == 0
			sectionNumber = buf[6]
			lastSectionNumber = buf[7]
			if sectionNumber > lastSectionNumber {
				d.status.InvSectIndex++
				sectionOK = false
			}
		}

		if isNext {
			sectionOK = false
		}

		if sectionOK {
			tc, ok := pc.tids[etid]
			if !ok {
				tc = &etidContext{}
				pc.tids[etid] = tc
			}

			if !longHeader || tc.sectExpected == 0 || tc.version != version {
				tc.version = version
				tc.sectExpected = int(lastSectionNumber) + 1
				tc.sectReceived = 0
				tc.sects = make([]*psi.Section, tc.sectExpected)
			}

			if int(lastSectionNumber) != tc.sectExpected-1 {
				d.status.InvSectIndex++
				sectionOK = false
			}

			if sectionOK {
				if abort := !d.processSection(tc, buf[:sectionLength], pid, sectionNumber, pusiPktIndex); abort {
					return
				}
			}
		}

		cursor += sectionLength
		pusiPktIndex = d.packetCount

		if bufLen-cursor > 0 && pc.buf[cursor] == psi.StuffingTableID {
			cursor = bufLen
		}
	}

	if cursor >= bufLen {
		pc.buf = pc.buf[:0]
	} else if cursor > 0 {
		pc.buf = append(pc.buf[:0], pc.buf[cursor:]...)
	}
}

// processSection parses one section's long-form fields, validates its
// CRC, dispatches it to the section/table handlers under the re-entrancy
// guard, and reports whether processPacket should keep going (true) or
// abort because a handler reset the demux (false).
func (d *Demux) processSection(tc *etidContext, raw []byte, pid uint16, sectionNumber uint8, pusiPktIndex uint64) bool {
	needSection := d.sectionHandler != nil || tc.sects[sectionNumber] == nil
	if !needSection {
		return true
	}

	sect, err := psi.ParseSection(raw, pid)
	if err != nil {
		d.status.WrongCRC++
		d.anomalies.add("wrong_crc on PID")
		return true
	}
	sect.FirstTSPacketIndex = pusiPktIndex
	sect.LastTSPacketIndex = d.packetCount

	// Re-entrancy guard: the handler may call Reset()/ResetPID(pid). Once
	// it returns, check whether the PID context we are working on is
	// still the one registered for this PID; if not, our local state
	// (tc, pc) has been invalidated and processPacket must stop.
	if !d.invokeHandlers(pid, sect, tc, sectionNumber) {
		return false
	}
	return true
}

func (d *Demux) invokeHandlers(pid uint16, sect *psi.Section, tc *etidContext, sectionNumber uint8) (ok bool) {
	current := d.pids[pid]

	if d.sectionHandler != nil {
		d.sectionHandler.HandleSection(d, sect)
		if d.pids[pid] != current {
			return false
		}
	}

	if tc.sects[sectionNumber] == nil {
		tc.sects[sectionNumber] = sect
		tc.sectReceived++

		if tc.sectReceived == tc.sectExpected && d.tableHandler != nil {
			table := &psi.Table{
				ETID:          sect.ETID(),
				VersionNumber: tc.version,
				Sections:      append([]*psi.Section(nil), tc.sects...),
				SourcePID:     pid,
			}
			d.tableHandler.HandleTable(d, table)
			if d.pids[pid] != current {
				return false
			}
		}
	}

	return true
}

// DumpFilteredPIDs writes a human-readable list of the PIDs this demux is
// currently watching, grounded on tsplugin_sifilter.cpp's --dump support.
func DumpFilteredPIDs(d *Demux) {
	if d.filterAll {
		nazalog.Infof("section.Demux: watching all PIDs")
		return
	}
	for pid := range d.pidFilter {
		nazalog.Infof("section.Demux: watching PID 0x%04X", pid)
	}
}

// anomalyRing is a fixed-size ring buffer of recent diagnostic messages,
// purely a debugging aid layered on top of Status's plain counters.
type anomalyRing struct {
	entries []string
	next    int
	filled  bool
}

func newAnomalyRing(size int) *anomalyRing {
	return &anomalyRing{entries: make([]string, size)}
}

func (r *anomalyRing) add(msg string) {
	r.entries[r.next] = msg
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.filled = true
	}
}

func (r *anomalyRing) snapshot() []string {
	if !r.filled {
		return append([]string(nil), r.entries[:r.next]...)
	}
	out := make([]string, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
