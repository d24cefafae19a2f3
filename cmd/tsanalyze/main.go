// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Command tsanalyze is an independent TS inspection tool, built directly
// on go-astits rather than pkg/section, so it can be used to cross-check
// cmd/tsscramble's output without sharing any code path with it —
// grounded on app/demo/srt/pub.go's astits.Demuxer usage, trimmed to a
// read-only summary instead of a PES-level republish.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	astits "github.com/asticode/go-astits"
)

func main() {
	filename := flag.String("i", "", "input TS file")
	flag.Parse()
	if *filename == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := analyze(*filename, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "tsanalyze: %v\n", err)
		os.Exit(1)
	}
}

type streamInfo struct {
	pid        uint16
	streamType astits.StreamType
}

func analyze(filename string, out *os.File) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	demuxer := astits.NewDemuxer(ctx, bufio.NewReaderSize(f, 188*1024))

	var packetCount int
	var pat *astits.PATData
	pmts := make(map[uint16]*astits.PMTData)

	for {
		d, err := demuxer.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return err
		}
		packetCount++

		if d.PAT != nil {
			pat = d.PAT
		}
		if d.PMT != nil {
			pmts[d.PMT.ProgramNumber] = d.PMT
		}
	}

	fmt.Fprintf(out, "packets: %d\n", packetCount)
	if pat == nil {
		fmt.Fprintln(out, "no PAT found")
		return nil
	}

	fmt.Fprintf(out, "programs: %d\n", len(pat.Programs))
	for _, prog := range pat.Programs {
		fmt.Fprintf(out, "  program %d -> PMT PID 0x%04X\n", prog.ProgramNumber, prog.ProgramMapID)
		pmt, ok := pmts[prog.ProgramNumber]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "    PCR PID 0x%04X\n", pmt.PCRPID)
		for _, es := range pmt.ElementaryStreams {
			fmt.Fprintf(out, "    stream PID 0x%04X type=%d\n", es.ElementaryPID, es.StreamType)
		}
	}
	return nil
}
