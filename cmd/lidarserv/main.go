// Command lidarserv hosts one point cloud: it indexes incoming capture
// streams and serves live queries to viewers over the LidarServ protocol.
//
//	lidarserv -init -dir ./cloud        # write a default settings.json
//	lidarserv -dir ./cloud -listen :4567
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/lidarserv/internal/index"
	"github.com/banshee-data/lidarserv/internal/server"
	"github.com/banshee-data/lidarserv/internal/settings"
	"github.com/banshee-data/lidarserv/internal/version"
)

// Exit codes: 0 success, 1 user error, 2 I/O error.
const (
	exitOK    = 0
	exitUser  = 1
	exitIO    = 2
)

var (
	dir      = flag.String("dir", ".", "Point cloud directory")
	listen   = flag.String("listen", ":4567", "Listen address")
	initOnly = flag.Bool("init", false, "Write a default settings.json and exit")
	workers  = flag.Int("workers", 0, "Worker threads (0 = core count)")
	verbose  = flag.Bool("verbose", false, "Enable diagnostic logging")
	trace    = flag.Bool("trace", false, "Enable high-frequency trace logging")
	statsInt = flag.Duration("stats-interval", time.Minute, "Interval between stats log lines")
	showVer  = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *showVer {
		fmt.Printf("lidarserv %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return exitOK
	}
	var diagW, traceW io.Writer
	if *verbose || *trace {
		diagW = os.Stderr
	}
	if *trace {
		traceW = os.Stderr
	}
	index.SetLogWriters(os.Stderr, diagW, traceW)
	server.SetLogWriters(os.Stderr, diagW, traceW)

	if *initOnly {
		if err := settings.Default().Save(*dir, false); err != nil {
			log.Printf("init failed: %v", err)
			return exitUser
		}
		log.Printf("initialised point cloud at %s", *dir)
		return exitOK
	}

	st, err := settings.Load(*dir)
	if err != nil {
		log.Printf("loading settings: %v", err)
		return exitUser
	}
	cfg, err := st.IndexConfig(*workers)
	if err != nil {
		log.Printf("invalid settings: %v", err)
		return exitUser
	}

	ix, err := index.Open(*dir, cfg)
	if err != nil {
		log.Printf("opening index: %v", err)
		return exitIO
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic stats line, in addition to the one at shutdown.
	go func() {
		ticker := time.NewTicker(*statsInt)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ix.Stats().LogStats()
			}
		}
	}()

	srv := server.New(ix)
	if err := srv.ListenAndServe(ctx, *listen); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server: %v", err)
		// Fall through to quiesce: whatever got indexed should persist.
	}

	log.Printf("shutting down, draining pipeline")
	quiesceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := ix.Quiesce(quiesceCtx); err != nil {
		log.Printf("quiesce: %v", err)
		return exitIO
	}
	fmt.Fprintln(os.Stderr, "shutdown complete")
	return exitOK
}
