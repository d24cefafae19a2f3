// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package tsio is the transport boundary outside the scrambling core:
// packet sources/sinks and an optional host bitrate query, plus two
// concrete implementations (plain file I/O and SRT) that exercise those
// interfaces without either pkg/section or pkg/scrambler depending on a
// concrete transport.
package tsio

import (
	"context"

	"github.com/Littlelies/tsduck/pkg/ts"
)

// PacketSource yields one TS packet at a time, blocking until the next
// packet is available or ctx is done.
type PacketSource interface {
	ReadPacket(ctx context.Context) (ts.Packet, error)
}

// PacketSink accepts one TS packet at a time for output.
type PacketSink interface {
	WritePacket(ctx context.Context, pkt ts.Packet) error
}

// BitrateProvider lets a host push a measured multiplex bitrate (bits per
// second) into pkg/scrambler, overriding its own naza/pkg/bitrate sampler.
type BitrateProvider interface {
	Bitrate() uint64
}
