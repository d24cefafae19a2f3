// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package tsio

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/Littlelies/tsduck/pkg/ts"
)

// FileSource reads fixed 188-byte TS packet records from a file, the
// simplest PacketSource implementation and the one cmd/tsscramble uses
// for offline runs.
type FileSource struct {
	r   *bufio.Reader
	buf [ts.PacketSize]byte
}

// OpenFileSource opens name for reading.
func OpenFileSource(name string) (*FileSource, func() error, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return &FileSource{r: bufio.NewReaderSize(f, 188*1024)}, f.Close, nil
}

func (s *FileSource) ReadPacket(ctx context.Context) (ts.Packet, error) {
	if err := ctx.Err(); err != nil {
		return ts.Packet{}, err
	}
	if _, err := io.ReadFull(s.r, s.buf[:]); err != nil {
		return ts.Packet{}, err
	}
	pkt, _ := ts.NewPacket(s.buf[:])
	return pkt, nil
}

// FileSink writes each packet's raw 188 bytes in sequence, the inverse of
// FileSource.
type FileSink struct {
	w *bufio.Writer
}

// CreateFileSink creates (or truncates) name for writing.
func CreateFileSink(name string) (*FileSink, func() error, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriterSize(f, 188*1024)
	closeFn := func() error {
		if err := w.Flush(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	return &FileSink{w: w}, closeFn, nil
}

func (s *FileSink) WritePacket(ctx context.Context, pkt ts.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.w.Write(pkt.B[:])
	return err
}
