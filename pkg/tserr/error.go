// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Package tserr collects the sentinel errors shared by the tsduck
// packages, named after the lal/pkg/base convention (lal.<pkg>: reason).
package tserr

import "errors"

// ----- pkg/ts ----------------------------------------------------------------

var (
	ErrBadSync     = errors.New("tsduck.ts: invalid sync byte")
	ErrShortPacket = errors.New("tsduck.ts: packet shorter than 188 bytes")
	ErrNoPayload   = errors.New("tsduck.ts: packet has no payload")
)

// ----- pkg/psi ----------------------------------------------------------------

var (
	ErrSectionTooShort    = errors.New("tsduck.psi: section shorter than minimum header size")
	ErrSectionTooLong     = errors.New("tsduck.psi: section longer than MAX_PRIVATE_SECTION_SIZE")
	ErrBadCRC             = errors.New("tsduck.psi: CRC32 mismatch")
	ErrNotLongSection     = errors.New("tsduck.psi: short section has no table_id_extension")
	ErrDescriptorTooLong  = errors.New("tsduck.psi: descriptor payload exceeds MAX_DESCRIPTOR_SIZE")
	ErrPSIServiceNotFound = errors.New("tsduck.psi: service not found")
	ErrBadDescriptor      = errors.New("tsduck.psi: malformed descriptor")
	ErrWrongTableID       = errors.New("tsduck.psi: section table_id does not match the expected table")
)

// ----- pkg/csa ----------------------------------------------------------------

var (
	ErrBadControlWordSize = errors.New("tsduck.csa: control word must be 8 bytes")
	ErrNotInitialized     = errors.New("tsduck.csa: scrambler not initialized")
)

// ----- pkg/ecmg ----------------------------------------------------------------

var (
	ErrNotConnected     = errors.New("tsduck.ecmg: not connected")
	ErrAlreadyConnected = errors.New("tsduck.ecmg: already connected")
	ErrUnexpectedTag    = errors.New("tsduck.ecmg: unexpected message tag")
	ErrChannelError     = errors.New("tsduck.ecmg: ECMG returned channel_error")
	ErrStreamError      = errors.New("tsduck.ecmg: ECMG returned stream_error")
	ErrBadECMSize       = errors.New("tsduck.ecmg: ECM datagram size not a multiple of TS packet size")
	ErrInvalidECMSection = errors.New("tsduck.ecmg: ECMG returned an invalid ECM section")
)

// ----- pkg/scrambler ----------------------------------------------------------------

var (
	ErrNoControlWordOrECMG = errors.New("tsduck.scrambler: specify either a fixed control word or an ECMG")
	ErrServiceNotFound     = errors.New("tsduck.scrambler: service not found")
	ErrUnknownBitrate      = errors.New("tsduck.scrambler: unknown bitrate, cannot schedule crypto-periods")
	ErrECMPIDConflict      = errors.New("tsduck.scrambler: ECM PID allocation conflict")
	ErrNoFreeECMPID        = errors.New("tsduck.scrambler: cannot find an unused PID for ECM")
	ErrAlreadyScrambled    = errors.New("tsduck.scrambler: packet already scrambled in input")
	ErrAborted             = errors.New("tsduck.scrambler: plugin aborted")
)
