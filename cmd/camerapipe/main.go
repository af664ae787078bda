// Command camerapipe is a thin wiring demonstration over this module's
// buffer-queue core: it loads a YAML topology, runs the scheduler against
// real V4L2 device nodes, and prints a colorized per-device status line
// until interrupted. It is not a production streaming server (SPEC_FULL.md
// §13 Non-goals) — just enough to exercise the graph end to end.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/gocamera/pipeline/config"
	"github.com/gocamera/pipeline/kernel"
	"github.com/gocamera/pipeline/logging"
	"github.com/gocamera/pipeline/scheduler"
)

var (
	configPath  = flag.String("config", "camerapipe.yaml", "Path to the YAML topology file")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	production  = flag.Bool("json-logs", false, "Emit JSON-encoded logs instead of human-readable console output")
	debugFDs    = flag.Bool("debug-fds", false, "Trace every scheduler tick's poll set at debug level")
	fpsOverride = flag.Uint("fps", 0, "Override every capture device's pacing interval to this frame rate (0 keeps the config file's value)")
)

func main() {
	flag.Parse()

	log, err := logging.Init(*logLevel, *production)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camerapipe: logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	log.Info("loading topology", zap.String("path", *configPath))

	port := kernel.NewLinux()
	topo, err := config.Load(*configPath, port, kernel.OpenDeviceFD, log)
	if err != nil {
		log.Fatal("load topology", zap.Error(err))
	}

	if *fpsOverride > 0 {
		for _, d := range topo.Devices {
			if d.Capture() != nil {
				if err := d.SetFPS(uint32(*fpsOverride)); err != nil {
					log.Warn("fps override", zap.String("device", d.Name()), zap.Error(err))
				}
			}
		}
	}

	sched := scheduler.New(topo.Graph, port, scheduler.WithLogger(log), scheduler.WithDebugFDs(*debugFDs))

	running := &atomic.Bool{}
	running.Store(true)

	loopErr := make(chan error, 1)
	go func() { loopErr <- sched.Loop(running) }()

	go printStatus(topo, running)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown requested")
		running.Store(false)
		if err := <-loopErr; err != nil {
			log.Error("scheduler stopped with error", zap.Error(err))
		}
	case err := <-loopErr:
		if err != nil {
			log.Error("scheduler stopped with error", zap.Error(err))
			os.Exit(1)
		}
	}

	for _, d := range topo.Devices {
		if err := d.Close(); err != nil {
			log.Warn("device close", zap.String("device", d.Name()), zap.Error(err))
		}
	}
}

// printStatus prints a colorized per-device pause/frame-count line every
// second until running is cleared — a status line, not telemetry (this
// module has no HTTP/metrics server, per SPEC_FULL.md §13).
func printStatus(topo *config.Topology, running *atomic.Bool) {
	paused := color.New(color.FgYellow, color.Bold)
	active := color.New(color.FgGreen, color.Bold)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for running.Load() {
		<-ticker.C
		for name, d := range topo.Devices {
			captureList := d.Capture()
			if captureList == nil {
				continue
			}
			if d.Paused() {
				paused.Printf("%-16s PAUSED   frames=%d\n", name, captureList.Frames())
			} else {
				active.Printf("%-16s STREAMING frames=%d\n", name, captureList.Frames())
			}
		}
	}
}
