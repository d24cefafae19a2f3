// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

// Command tsscramble wires pkg/tsio's file transport to
// pkg/section/pkg/scrambler: read an input TS file, discover the
// requested service, scramble it, write the result out.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/q191201771/naza/pkg/bininfo"
	log "github.com/q191201771/naza/pkg/nazalog"

	"github.com/Littlelies/tsduck/pkg/scrambler"
	"github.com/Littlelies/tsduck/pkg/tsio"
)

func main() {
	opts := parseFlags()

	logCfg, err := loadLogConfig(opts.confFile)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load conf failed. err=%+v\n", err)
		os.Exit(1)
	}
	if err := log.Init(func(option *log.Option) { *option = logCfg.Log }); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "initial log failed. err=%+v\n", err)
		os.Exit(1)
	}
	log.Infof("bininfo: %s", bininfo.StringifySingleLine())

	cfg, err := opts.toScramblerConfig()
	if err != nil {
		log.Errorf("bad arguments: %+v", err)
		os.Exit(1)
	}

	plugin, err := scrambler.NewPlugin(cfg, nil)
	if err != nil {
		log.Errorf("new plugin failed: %+v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := plugin.Connect(ctx); err != nil {
		log.Errorf("ecmg connect failed: %+v", err)
		os.Exit(1)
	}

	src, closeSrc, err := tsio.OpenFileSource(opts.inputFile)
	if err != nil {
		log.Errorf("open input failed: %+v", err)
		os.Exit(1)
	}
	defer closeSrc()

	sink, closeSink, err := tsio.CreateFileSink(opts.outputFile)
	if err != nil {
		log.Errorf("open output failed: %+v", err)
		os.Exit(1)
	}
	defer closeSink()

	if err := run(ctx, plugin, src, sink); err != nil {
		log.Errorf("scrambling ended with error: %+v", err)
		os.Exit(1)
	}
	log.Info("bye.")
}

func run(ctx context.Context, plugin *scrambler.Plugin, src tsio.PacketSource, sink tsio.PacketSink) error {
	for {
		pkt, err := src.ReadPacket(ctx)
		if err != nil {
			return nil // EOF or transport error: clean end of input
		}

		status := plugin.ProcessPacket(&pkt)
		switch status {
		case scrambler.StatusEnd:
			_, abortErr := plugin.IsAborted()
			return abortErr
		case scrambler.StatusDrop:
			continue
		}

		if err := sink.WritePacket(ctx, pkt); err != nil {
			return err
		}
	}
}

type flags struct {
	confFile   string
	inputFile  string
	outputFile string

	service string

	controlWordHex string

	ecmgAddr       string
	superCASID     uint
	channelID      uint
	streamID       uint
	ecmID          uint
	ecmgSCSVersion int

	cpDuration     int
	ecmBitrate     uint64
	ecmPID         uint
	caSystemID     uint
	accessCriteria string
	privateData    string

	partialScrambling int

	noAudio            bool
	noVideo            bool
	subtitles          bool
	componentLevel     bool
	noEntropyReduction bool
	ignoreScrambled    bool
	synchronous        bool

	binInfo bool
}

func parseFlags() flags {
	var f flags

	flag.BoolVar(&f.binInfo, "v", false, "show bin info")
	flag.StringVar(&f.confFile, "c", "", "optional JSON log config file")
	flag.StringVar(&f.inputFile, "i", "", "input TS file")
	flag.StringVar(&f.outputFile, "o", "", "output TS file")

	flag.StringVar(&f.service, "service", "", "service name or numeric id")
	flag.StringVar(&f.controlWordHex, "control-word", "", "fixed control word, 16 hex digits")

	flag.StringVar(&f.ecmgAddr, "ecmg", "", "ECMG address host:port")
	flag.UintVar(&f.superCASID, "super-cas-id", 0, "Super_CAS_id")
	flag.UintVar(&f.channelID, "channel-id", 0, "ECM_channel_id")
	flag.UintVar(&f.streamID, "stream-id", 0, "ECM_stream_id")
	flag.UintVar(&f.ecmID, "ecm-id", 0, "ECM_id")
	flag.IntVar(&f.ecmgSCSVersion, "ecmg-scs-version", 3, "ECMG<=>SCS protocol version, 2 or 3")

	flag.IntVar(&f.cpDuration, "cp-duration", 10, "crypto-period duration, seconds")
	flag.Uint64Var(&f.ecmBitrate, "bitrate-ecm", 0, "ECM repetition bitrate, bps (0 = default)")
	flag.UintVar(&f.ecmPID, "pid-ecm", 0, "fixed ECM PID (0 = auto-allocate)")
	flag.UintVar(&f.caSystemID, "ca-system-id", 0, "CA_system_id stamped into the CA_descriptor")
	flag.StringVar(&f.accessCriteria, "access-criteria", "", "access criteria, hex digits")
	flag.StringVar(&f.privateData, "private-data", "", "CA_descriptor private data, hex digits")

	flag.IntVar(&f.partialScrambling, "partial-scrambling", 1, "scramble 1 packet out of every N")

	flag.BoolVar(&f.noAudio, "no-audio", false, "do not scramble audio streams")
	flag.BoolVar(&f.noVideo, "no-video", false, "do not scramble video streams")
	flag.BoolVar(&f.subtitles, "subtitles", false, "also scramble subtitle streams")
	flag.BoolVar(&f.componentLevel, "component-level", false, "insert CA_descriptor per component rather than at program level")
	flag.BoolVar(&f.noEntropyReduction, "no-entropy-reduction", false, "use the full 64-bit control word, skip DVB-CSA entropy reduction")
	flag.BoolVar(&f.ignoreScrambled, "ignore-scrambled", false, "pass through PIDs already scrambled in the input instead of aborting")
	flag.BoolVar(&f.synchronous, "synchronous", false, "block on ECMG responses instead of submitting asynchronously")

	flag.Parse()
	if f.service == "" && flag.NArg() > 0 {
		f.service = flag.Arg(0) // service given positionally
	}

	if f.binInfo {
		_, _ = fmt.Fprint(os.Stderr, bininfo.StringifyMultiLine())
		os.Exit(0)
	}
	if f.inputFile == "" || f.outputFile == "" {
		flag.Usage()
		os.Exit(1)
	}
	return f
}

func (f flags) toScramblerConfig() (scrambler.Config, error) {
	var cfg scrambler.Config

	if id, err := strconv.ParseUint(f.service, 10, 16); err == nil {
		cfg.ServiceID = uint16(id)
	} else {
		cfg.ServiceName = f.service
	}

	if f.controlWordHex != "" {
		cw, err := hex.DecodeString(f.controlWordHex)
		if err != nil || len(cw) != 8 {
			return cfg, fmt.Errorf("--control-word must be 16 hex digits: %w", err)
		}
		cfg.ControlWord = cw
	}

	cfg.ECMGAddr = f.ecmgAddr
	cfg.SuperCASID = uint32(f.superCASID)
	cfg.ChannelID = uint16(f.channelID)
	cfg.StreamID = uint16(f.streamID)
	cfg.ECMID = uint16(f.ecmID)
	cfg.ECMGSCSVersion = f.ecmgSCSVersion

	cfg.CPDurationSeconds = f.cpDuration
	cfg.ECMBitrate = f.ecmBitrate
	cfg.ECMPID = uint16(f.ecmPID)
	cfg.CASystemID = uint16(f.caSystemID)

	if f.accessCriteria != "" {
		b, err := hex.DecodeString(f.accessCriteria)
		if err != nil {
			return cfg, fmt.Errorf("--access-criteria must be hex digits: %w", err)
		}
		cfg.AccessCriteria = b
	}
	if f.privateData != "" {
		b, err := hex.DecodeString(f.privateData)
		if err != nil {
			return cfg, fmt.Errorf("--private-data must be hex digits: %w", err)
		}
		cfg.PrivateData = b
	}

	cfg.PartialScrambling = f.partialScrambling
	cfg.NoAudio = f.noAudio
	cfg.NoVideo = f.noVideo
	cfg.Subtitles = f.subtitles
	cfg.ComponentLevel = f.componentLevel
	cfg.NoEntropyReduction = f.noEntropyReduction
	cfg.IgnoreScrambled = f.ignoreScrambled
	cfg.Synchronous = f.synchronous

	return cfg, nil
}
