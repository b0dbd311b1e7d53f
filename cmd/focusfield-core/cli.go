package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rilical/focusfield/internal/bus"
	"github.com/rilical/focusfield/internal/config"
	"github.com/rilical/focusfield/internal/protocol"
	"github.com/rilical/focusfield/internal/runtime"
	"github.com/rilical/focusfield/internal/trace"
)

// RunCLI handles subcommand dispatch ahead of the normal serve path.
// Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("focusfield-core %s\n", Version)
		return true
	case "print-config":
		return cliPrintConfig(args[1:])
	case "replay":
		return cliReplay(args[1:])
	default:
		return false
	}
}

func cliPrintConfig(args []string) bool {
	fs := flag.NewFlagSet("print-config", flag.ExitOnError)
	path := fs.String("config", "", "config file to load and print (defaults to built-in defaults if omitted)")
	fs.Parse(args)

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading %s: %v\n", *path, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
	return true
}

// cliReplay feeds a recorded audio_frame/voice_activity NDJSON trace
// through a live Runtime and writes the resulting fusion.target_lock and
// audio.enhanced.beamformed streams to an output trace, for the
// determinism property test (two replays of the same input trace and
// config must produce byte-identical target_lock and bit-approximate
// enhanced-audio streams).
func cliReplay(args []string) bool {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	inPath := fs.String("in", "", "input NDJSON trace (audio_frame/voice_activity records)")
	outPath := fs.String("out", "replay-out.jsonl", "output NDJSON trace path")
	configPath := fs.String("config", "focusfield.yaml", "path to the YAML configuration file")
	fs.Parse(args)

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: focusfield-core replay -in <trace.jsonl> [-out <path>] [-config <path>]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	inFile, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening %s: %v\n", *inPath, err)
		os.Exit(1)
	}
	defer inFile.Close()

	outFile, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating %s: %v\n", *outPath, err)
		os.Exit(1)
	}
	defer outFile.Close()

	// Replay must never silently drop a message: a dropped frame or a
	// dropped target_lock tick would make the same trace replay
	// differently run to run. Force the runtime's internal bus, and this
	// function's own output subscriptions, onto the Block policy, and size
	// every queue to the trace's own record count so a blocking publish
	// waits on an actual consumer rather than racing blockSendTimeout.
	recordCount, err := countRecords(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error scanning %s: %v\n", *inPath, err)
		os.Exit(1)
	}
	capacity := recordCount + 64
	if capacity < cfg.Bus.DefaultCapacity {
		capacity = cfg.Bus.DefaultCapacity
	}
	cfg.Bus.DefaultCapacity = capacity
	cfg.Bus.OverflowPolicy = bus.Block.String()

	rt := runtime.New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var writeMu sync.Mutex
	writer := trace.NewWriter(outFile)

	lockHandle := rt.Bus().Subscribe(protocol.TopicTargetLock, capacity, bus.Block)
	enhancedHandle := rt.Bus().Subscribe(protocol.TopicEnhanced, capacity, bus.Block)

	// replayDone watches for the Seq of the last fed AudioFrame to come back
	// out as an EnhancedAudio. audio.enhanced.beamformed is produced 1:1 off
	// audio.frames (beamform.go stamps Seq: frame.Seq), so once it has been
	// observed at that Seq, every frame this run published has finished
	// beamforming and the downstream doa/assoc/lock chain — fed from the
	// same, now-exhausted frame stream — has nothing left upstream to
	// produce. That is the deterministic "replay is done" signal used below
	// in place of a fixed grace-period sleep. target and seen are guarded by
	// mu so the feed loop setting target and the drain goroutine observing
	// seen can't race past each other without one side noticing.
	replayDone := struct {
		mu     sync.Mutex
		target uint64
		have   bool // target has been set
		seen   uint64
	}{}
	caughtUp := make(chan struct{})
	var caughtUpOnce sync.Once

	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		for {
			msg, ok := lockHandle.Recv(ctx)
			if !ok {
				return
			}
			tl, ok := msg.(protocol.TargetLock)
			if !ok {
				continue
			}
			writeMu.Lock()
			_ = writer.WriteTargetLock(tl)
			writeMu.Unlock()
		}
	}()
	go func() {
		defer drain.Done()
		for {
			msg, ok := enhancedHandle.Recv(ctx)
			if !ok {
				return
			}
			ea, ok := msg.(protocol.EnhancedAudio)
			if !ok {
				continue
			}
			writeMu.Lock()
			_ = writer.WriteEnhancedAudio(ea)
			writeMu.Unlock()

			replayDone.mu.Lock()
			if ea.Seq > replayDone.seen {
				replayDone.seen = ea.Seq
			}
			reached := replayDone.have && replayDone.seen >= replayDone.target
			replayDone.mu.Unlock()
			if reached {
				caughtUpOnce.Do(func() { close(caughtUp) })
			}
		}
	}()

	rt.Start(ctx)

	reader := trace.NewReader(inFile)
	frames := 0
	var lastFrameSeq uint64
	sawFrame := false
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading trace: %v\n", err)
			os.Exit(1)
		}
		switch rec.Kind {
		case trace.KindAudioFrame:
			var frame protocol.AudioFrame
			if err := json.Unmarshal(rec.Payload, &frame); err != nil {
				continue
			}
			_ = rt.Bus().Publish(protocol.TopicAudioFrames, frame)
			frames++
			lastFrameSeq = frame.Seq
			sawFrame = true
		case trace.KindVAD:
			var vad protocol.VoiceActivity
			if err := json.Unmarshal(rec.Payload, &vad); err != nil {
				continue
			}
			_ = rt.Bus().Publish(protocol.TopicVAD, vad)
		}
	}

	if sawFrame {
		replayDone.mu.Lock()
		replayDone.target = lastFrameSeq
		replayDone.have = true
		reached := replayDone.seen >= replayDone.target
		replayDone.mu.Unlock()
		if reached {
			caughtUpOnce.Do(func() { close(caughtUp) })
		}

		waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
		select {
		case <-caughtUp:
		case <-waitCtx.Done():
		}
		waitCancel()
	}

	cancel()
	rt.Shutdown()
	drain.Wait()

	writeMu.Lock()
	_ = writer.Flush()
	writeMu.Unlock()

	fmt.Printf("replayed %d audio frames from %s to %s\n", frames, *inPath, *outPath)
	return true
}

// countRecords scans path's NDJSON trace once to count the total number of
// records, used to size replay's bus queues so a Block-policy publish has
// room to wait on an actual consumer instead of racing blockSendTimeout.
func countRecords(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := trace.NewReader(f)
	n := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}
