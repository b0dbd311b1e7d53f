// Command focusfield-core is the process supervisor for the FocusField
// sensor-fusion core: it loads a config file, constructs a
// runtime.Runtime, wires the seven components onto the Bus, blocks on OS
// signals, and drives orderly shutdown. Process flags use stdlib flag;
// a RunCLI-style subcommand dispatch handles one-off diagnostic
// invocations ahead of the long-running serve path.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rilical/focusfield/internal/beamform"
	"github.com/rilical/focusfield/internal/config"
	"github.com/rilical/focusfield/internal/runtime"
)

// Version is the focusfield-core build version, set via -ldflags in
// release builds; left as a plain dev string otherwise.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	configPath := flag.String("config", "focusfield.yaml", "path to the YAML configuration file")
	recordPath := flag.String("record", "", "if set, write the beamformer's output as raw float32 PCM to this path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[focusfield-core] %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[focusfield-core] invalid config: %v", err)
	}

	var sink beamform.Sink
	if *recordPath != "" {
		fileSink, err := beamform.NewFileSink(*recordPath)
		if err != nil {
			log.Fatalf("[focusfield-core] %v", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}

	rt := runtime.New(cfg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down", "module", "focusfield-core")
		cancel()
	}()

	rt.Start(ctx)
	slog.Info("started", "module", "focusfield-core", "config", *configPath)

	<-ctx.Done()
	rt.Shutdown()
}
