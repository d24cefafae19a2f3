// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package tsio

import (
	"context"
	"io"

	"github.com/haivision/srtgo"

	"github.com/Littlelies/tsduck/pkg/ts"
)

// SRTSource reads raw TS packets off an SRT socket, grounded on
// app/demo/srt/pub.go's *srtgo.SrtSocket usage. Unlike pub.go, which hands
// the socket to a go-astits Demuxer to reconstruct PES frames, this reads
// fixed 188-byte packets directly: pkg/scrambler's output must reach the
// wire byte-for-byte (scrambled payloads, rewritten PMT, inserted ECMs),
// which a PES-level remux would not preserve.
type SRTSource struct {
	sock *srtgo.SrtSocket
	buf  [ts.PacketSize]byte
}

// DialSRTSource connects to host:port as an SRT caller.
func DialSRTSource(host string, port uint16, options map[string]string) (*SRTSource, error) {
	sock := srtgo.NewSrtSocket(host, port, options)
	if err := sock.Connect(); err != nil {
		return nil, err
	}
	return &SRTSource{sock: sock}, nil
}

// NewSRTSource wraps an already-connected/accepted socket (e.g. one handed
// to a SetListenCallback handler, as server.go's Handle does).
func NewSRTSource(sock *srtgo.SrtSocket) *SRTSource {
	return &SRTSource{sock: sock}
}

func (s *SRTSource) ReadPacket(ctx context.Context) (ts.Packet, error) {
	if err := ctx.Err(); err != nil {
		return ts.Packet{}, err
	}
	if _, err := io.ReadFull(s.sock, s.buf[:]); err != nil {
		return ts.Packet{}, err
	}
	pkt, _ := ts.NewPacket(s.buf[:])
	return pkt, nil
}

func (s *SRTSource) Close() error {
	return s.sock.Close()
}

// SRTSink writes raw TS packets to an SRT socket.
type SRTSink struct {
	sock *srtgo.SrtSocket
}

// DialSRTSink connects to host:port as an SRT caller.
func DialSRTSink(host string, port uint16, options map[string]string) (*SRTSink, error) {
	sock := srtgo.NewSrtSocket(host, port, options)
	if err := sock.Connect(); err != nil {
		return nil, err
	}
	return &SRTSink{sock: sock}, nil
}

// NewSRTSink wraps an already-connected/accepted socket.
func NewSRTSink(sock *srtgo.SrtSocket) *SRTSink {
	return &SRTSink{sock: sock}
}

func (s *SRTSink) WritePacket(ctx context.Context, pkt ts.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sock.Write(pkt.B[:])
	return err
}

func (s *SRTSink) Close() error {
	return s.sock.Close()
}
