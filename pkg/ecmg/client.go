// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package ecmg implements the SCS side of the DVB SimulCrypt ECMG<=>SCS
// protocol: a TCP client that sets up one channel and one stream with an
// external ECM Generator, then drives both the synchronous generateECM
// and asynchronous submitECM contracts the scrambler plugin
// (pkg/scrambler) needs. The wire framing and connection lifecycle
// follow pkg/rtmp.ClientSession: a naza/pkg/connection.Connection
// wrapping net.Conn, an async I/O thread that feeds a channel, and
// context-bounded Do-style calls.
package ecmg

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/q191201771/naza/pkg/bele"
	"github.com/q191201771/naza/pkg/connection"

	"github.com/Littlelies/tsduck/pkg/tserr"
)

// Message tags for the DVB SimulCrypt ECMG<=>SCS message set. The numeric
// values are this package's own allocation, not the ETSI TS 103 197 ones.
const (
	tagChannelSetup         uint16 = 0x0001
	tagChannelStatus        uint16 = 0x0002
	tagChannelClose         uint16 = 0x0003
	tagChannelError         uint16 = 0x0004
	tagChannelTest          uint16 = 0x0005
	tagStreamSetup          uint16 = 0x0006
	tagStreamStatus         uint16 = 0x0007
	tagStreamCloseRequest   uint16 = 0x0008
	tagStreamCloseResponse  uint16 = 0x0009
	tagStreamError          uint16 = 0x000A
	tagStreamTest           uint16 = 0x000B
	tagCWProvision          uint16 = 0x000C
	tagECMResponse          uint16 = 0x000D
)

// Parameter tags.
const (
	paramSuperCASID       uint16 = 0x0001
	paramSectionTSpktFlag uint16 = 0x0002
	paramDelayStart       uint16 = 0x0003
	paramDelayStop        uint16 = 0x0004
	paramECMRepPeriod     uint16 = 0x0007
	paramMaxStreams       uint16 = 0x0008
	paramMinCPDuration    uint16 = 0x0009
	paramLeadCW           uint16 = 0x000A
	paramCWPerMsg         uint16 = 0x000B
	paramMaxCompTime      uint16 = 0x000C
	paramAccessCriteria   uint16 = 0x000D
	paramECMChannelID     uint16 = 0x000E
	paramECMStreamID      uint16 = 0x000F
	paramECMID            uint16 = 0x0012
	paramCPDuration       uint16 = 0x0016
	paramCPNumber         uint16 = 0x0015
	paramCWEncrypted      uint16 = 0x0010
	paramCWEncryptedNext  uint16 = 0x0011
	paramECMDatagram      uint16 = 0x0013
	paramAccessCriteriaXM uint16 = 0x0014
	paramErrorStatus      uint16 = 0x7000
	paramErrorInformation uint16 = 0x7001
)

// ChannelStatus is the parameter set an ECMG returns at channel setup.
type ChannelStatus struct {
	DelayStart          int32 // ms, clamped by the caller to [-cpDuration/2, +cpDuration/2]
	DelayStop           int32
	SectionTSpktFlag    bool
	MaxStreams          uint16
	MinCPDuration       uint16 // 100ms units, per the wire format
}

// StreamStatus is the parameter set an ECMG returns at stream setup.
type StreamStatus struct {
	ECMID         uint16
	AccessCriteriaTransferMode bool
}

// ECMResponse is one generated ECM: the raw ECM_datagram (TS packets or a
// bare section, per section_TSpkt_flag) plus the crypto-period number it
// belongs to.
type ECMResponse struct {
	CPNumber   uint16
	ECMPackets []byte // raw ECM_datagram bytes, a multiple of ts.PacketSize when section_TSpkt_flag is set
}

// ECMRequest bundles one CW_provision's parameters for a generateECM call.
type ECMRequest struct {
	CPNumber        uint16
	CWCurrent       []byte // 8 bytes, zero-length if this CP has no current CW yet
	CWNext          []byte // 8 bytes, zero-length on the first CW
	AccessCriteria  []byte
	CPDuration      uint16 // 100ms units
}

// ProtocolVersion is the ECMG<=>SCS protocol version recorded on a
// Client. It does not change what is sent: v2 and v3 use the same tag
// table and the same parameters here.
type ProtocolVersion int

const (
	V2 ProtocolVersion = 2
	V3 ProtocolVersion = 3
)

// Client is one ECMG<=>SCS TCP connection: one channel and one stream.
// Not safe for concurrent Connect/Disconnect calls; each SubmitECM
// callback runs on a goroutine started by SubmitECM, concurrently with
// the caller's packet-processing thread.
type Client struct {
	version ProtocolVersion

	mu        sync.Mutex
	conn      connection.Connection
	connected bool

	pending   map[uint16]chan ecmOrErr // keyed by CP_number, for SubmitECM callbacks
	waiters   map[uint16]chan ecmOrErr // keyed by CP_number, for GenerateECM's synchronous wait
	readErr   chan error
	closeOnce sync.Once
}

type ecmOrErr struct {
	resp ECMResponse
	err  error
}

// NewClient returns an unconnected Client using the given protocol version.
func NewClient(version ProtocolVersion) *Client {
	return &Client{
		version: version,
		pending: make(map[uint16]chan ecmOrErr),
		waiters: make(map[uint16]chan ecmOrErr),
		readErr: make(chan error, 1),
	}
}

// IsConnected reports whether Connect has completed and Disconnect has
// not since been called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials addr, performs channel_setup/channel_status and
// stream_setup/stream_status, and returns the ECMG's reported channel and
// stream parameters. ctx bounds the whole handshake, not just the dial.
func (c *Client) Connect(
	ctx context.Context,
	addr string,
	superCASID uint32,
	channelID, streamID, ecmID uint16,
	cpDurationCS uint16,
) (ChannelStatus, StreamStatus, error) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ChannelStatus{}, StreamStatus{}, tserr.ErrAlreadyConnected
	}
	c.mu.Unlock()

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ChannelStatus{}, StreamStatus{}, err
	}

	conn := connection.New(rawConn, func(option *connection.Option) {
		option.ReadBufSize = 4096
		option.WriteBufSize = 4096
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// The handshake reads its own replies synchronously; the persistent
	// readLoop only starts once both round trips succeed, so there is
	// never more than one goroutine reading conn at a time.
	chanStatus, err := c.doChannelSetup(ctx, superCASID, channelID)
	if err != nil {
		c.Disconnect()
		return ChannelStatus{}, StreamStatus{}, err
	}

	streamStatus, err := c.doStreamSetup(ctx, channelID, streamID, ecmID, cpDurationCS)
	if err != nil {
		c.Disconnect()
		return ChannelStatus{}, StreamStatus{}, err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	return chanStatus, streamStatus, nil
}

// Disconnect closes the underlying connection. Safe to call more than
// once and from any goroutine.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// GenerateECM performs one synchronous CW_provision/ECM_response
// round-trip, blocking until the ECMG answers or ctx is done.
func (c *Client) GenerateECM(ctx context.Context, req ECMRequest) (ECMResponse, error) {
	if !c.IsConnected() {
		return ECMResponse{}, tserr.ErrNotConnected
	}

	ch := make(chan ecmOrErr, 1)
	c.mu.Lock()
	c.waiters[req.CPNumber] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.CPNumber)
		c.mu.Unlock()
	}()

	if err := c.sendCWProvision(req); err != nil {
		return ECMResponse{}, err
	}

	select {
	case <-ctx.Done():
		return ECMResponse{}, ctx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

// SubmitECM performs one asynchronous CW_provision: it sends the request
// and returns immediately. callback runs on a goroutine of its own,
// started here, once the read loop hands it the matching ECM_response
// (or channel/stream_error).
func (c *Client) SubmitECM(req ECMRequest, callback func(ECMResponse, error)) error {
	if !c.IsConnected() {
		return tserr.ErrNotConnected
	}

	ch := make(chan ecmOrErr, 1)
	c.mu.Lock()
	c.pending[req.CPNumber] = ch
	c.mu.Unlock()

	go func() {
		res := <-ch
		callback(res.resp, res.err)
	}()

	return c.sendCWProvision(req)
}

// ---------------------------------------------------------------------------------------------------------------------
// wire framing
// ---------------------------------------------------------------------------------------------------------------------

type tlvParam struct {
	tag   uint16
	value []byte
}

func encodeMessage(tag uint16, params []tlvParam) []byte {
	var body []byte
	for _, p := range params {
		hdr := make([]byte, 4)
		bele.BePutUint16(hdr, p.tag)
		bele.BePutUint16(hdr[2:], uint16(len(p.value)))
		body = append(body, hdr...)
		body = append(body, p.value...)
	}
	out := make([]byte, 4+len(body))
	bele.BePutUint16(out, tag)
	bele.BePutUint16(out[2:], uint16(len(body)))
	copy(out[4:], body)
	return out
}

func decodeMessage(b []byte) (tag uint16, params map[uint16][]byte, err error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("ecmg: message header truncated")
	}
	tag = bele.BeUint16(b)
	length := bele.BeUint16(b[2:])
	if int(length) != len(b)-4 {
		return 0, nil, fmt.Errorf("ecmg: message length %d does not match payload %d", length, len(b)-4)
	}
	params = make(map[uint16][]byte)
	cursor := 4
	for cursor+4 <= len(b) {
		ptag := bele.BeUint16(b[cursor:])
		plen := int(bele.BeUint16(b[cursor+2:]))
		cursor += 4
		if cursor+plen > len(b) {
			return 0, nil, fmt.Errorf("ecmg: parameter 0x%04x truncated", ptag)
		}
		params[ptag] = b[cursor : cursor+plen]
		cursor += plen
	}
	return tag, params, nil
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	bele.BePutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	bele.BePutUint32(b, v)
	return b
}

func (c *Client) writeMessage(msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return tserr.ErrNotConnected
	}
	if _, err := conn.Write(msg); err != nil {
		return err
	}
	return conn.Flush()
}

// readLoop reads length-framed messages off the connection and dispatches
// ECM_response / error messages to whichever GenerateECM/SubmitECM call is
// waiting on that CP_number. It is the ECMG client's own I/O thread,
// separate from the caller's packet-processing thread.
func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			c.failAllPending(err)
			return
		}
		length := bele.BeUint16(hdr[2:])
		body := make([]byte, 4+int(length))
		copy(body, hdr)
		if length > 0 {
			if _, err := io.ReadFull(conn, body[4:]); err != nil {
				c.failAllPending(err)
				return
			}
		}

		tag, params, err := decodeMessage(body)
		if err != nil {
			c.failAllPending(err)
			return
		}

		switch tag {
		case tagECMResponse:
			c.dispatchECMResponse(params)
		case tagStreamError, tagChannelError:
			c.dispatchError(params, tag)
		case tagChannelTest, tagStreamTest:
			// keepalives from the ECMG; no action required.
		}
	}
}

func (c *Client) dispatchECMResponse(params map[uint16][]byte) {
	cp := cpNumberOf(params)
	resp := ECMResponse{
		CPNumber:   cp,
		ECMPackets: params[paramECMDatagram],
	}
	c.deliver(cp, ecmOrErr{resp: resp})
}

func (c *Client) dispatchError(params map[uint16][]byte, tag uint16) {
	cp := cpNumberOf(params)
	baseErr := tserr.ErrStreamError
	if tag == tagChannelError {
		baseErr = tserr.ErrChannelError
	}
	c.deliver(cp, ecmOrErr{err: baseErr})
}

func cpNumberOf(params map[uint16][]byte) uint16 {
	if v, ok := params[paramCPNumber]; ok && len(v) == 2 {
		return bele.BeUint16(v)
	}
	return 0
}

func (c *Client) deliver(cp uint16, res ecmOrErr) {
	c.mu.Lock()
	ch, ok := c.pending[cp]
	if ok {
		delete(c.pending, cp)
	}
	wch, wok := c.waiters[cp]
	c.mu.Unlock()

	if ok {
		ch <- res
	}
	if wok {
		wch <- res
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	waiters := c.waiters
	c.pending = make(map[uint16]chan ecmOrErr)
	c.waiters = make(map[uint16]chan ecmOrErr)
	c.connected = false
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- ecmOrErr{err: err}
	}
	for _, ch := range waiters {
		ch <- ecmOrErr{err: err}
	}
}

// ---------------------------------------------------------------------------------------------------------------------
// handshake
// ---------------------------------------------------------------------------------------------------------------------

func (c *Client) doChannelSetup(ctx context.Context, superCASID uint32, channelID uint16) (ChannelStatus, error) {
	msg := encodeMessage(tagChannelSetup, []tlvParam{
		{paramSuperCASID, u32(superCASID)},
		{paramECMChannelID, u16(channelID)},
	})
	reply, err := c.roundTrip(ctx, msg, tagChannelStatus, tagChannelError)
	if err != nil {
		return ChannelStatus{}, err
	}

	status := ChannelStatus{
		SectionTSpktFlag: len(reply[paramSectionTSpktFlag]) == 1 && reply[paramSectionTSpktFlag][0] != 0,
	}
	if v, ok := reply[paramDelayStart]; ok && len(v) == 2 {
		status.DelayStart = int32(int16(binary.BigEndian.Uint16(v)))
	}
	if v, ok := reply[paramDelayStop]; ok && len(v) == 2 {
		status.DelayStop = int32(int16(binary.BigEndian.Uint16(v)))
	}
	if v, ok := reply[paramMaxStreams]; ok && len(v) == 2 {
		status.MaxStreams = bele.BeUint16(v)
	}
	if v, ok := reply[paramMinCPDuration]; ok && len(v) == 2 {
		status.MinCPDuration = bele.BeUint16(v)
	}
	return status, nil
}

func (c *Client) doStreamSetup(ctx context.Context, channelID, streamID, ecmID uint16, cpDurationCS uint16) (StreamStatus, error) {
	msg := encodeMessage(tagStreamSetup, []tlvParam{
		{paramECMChannelID, u16(channelID)},
		{paramECMStreamID, u16(streamID)},
		{paramECMID, u16(ecmID)},
		{paramCPDuration, u16(cpDurationCS)},
	})
	reply, err := c.roundTrip(ctx, msg, tagStreamStatus, tagStreamError)
	if err != nil {
		return StreamStatus{}, err
	}

	status := StreamStatus{ECMID: ecmID}
	if v, ok := reply[paramECMID]; ok && len(v) == 2 {
		status.ECMID = bele.BeUint16(v)
	}
	return status, nil
}

// roundTrip sends msg and waits for the first reply carrying okTag or
// errTag, used only during the handshake (the steady-state ECM traffic
// goes through readLoop's dispatch-by-CP_number instead).
func (c *Client) roundTrip(ctx context.Context, msg []byte, okTag, errTag uint16) (map[uint16][]byte, error) {
	if err := c.writeMessage(msg); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	type result struct {
		params map[uint16][]byte
		err    error
	}
	resCh := make(chan result, 1)

	go func() {
		hdr := make([]byte, 4)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			resCh <- result{err: err}
			return
		}
		length := bele.BeUint16(hdr[2:])
		body := make([]byte, 4+int(length))
		copy(body, hdr)
		if length > 0 {
			if _, err := io.ReadFull(conn, body[4:]); err != nil {
				resCh <- result{err: err}
				return
			}
		}
		tag, params, err := decodeMessage(body)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		if tag == errTag {
			resCh <- result{err: tserr.ErrUnexpectedTag}
			return
		}
		if tag != okTag {
			resCh <- result{err: tserr.ErrUnexpectedTag}
			return
		}
		resCh <- result{params: params}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.params, nil
	}
}

func (c *Client) sendCWProvision(req ECMRequest) error {
	params := []tlvParam{
		{paramCPNumber, u16(req.CPNumber)},
	}
	if len(req.CWCurrent) > 0 {
		params = append(params, tlvParam{paramCWEncrypted, req.CWCurrent})
	}
	if len(req.CWNext) > 0 {
		params = append(params, tlvParam{paramCWEncryptedNext, req.CWNext})
	}
	if len(req.AccessCriteria) > 0 {
		params = append(params, tlvParam{paramAccessCriteria, req.AccessCriteria})
	}
	msg := encodeMessage(tagCWProvision, params)
	return c.writeMessage(msg)
}
