// Command scanner drives one structured-light scan session from the
// command line: connect to a scan head over the control/stream links
// described by a profile file, run the capture sequence to
// completion, and export the reconstructed point cloud.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/scanclient/internal/fsutil"
	"github.com/banshee-data/scanclient/internal/monitoring"
	"github.com/banshee-data/scanclient/internal/scanner/export"
	"github.com/banshee-data/scanclient/internal/scanner/profile"
	"github.com/banshee-data/scanclient/internal/scanner/session"
	"github.com/banshee-data/scanclient/internal/version"
)

var (
	profilePath   = flag.String("profile", "scan.json", "path to the scan profile JSON file")
	outputPath    = flag.String("out", "scan.ply", "path to write the reconstructed point cloud")
	totalPatterns = flag.Int("patterns", 42, "total number of structured-light patterns to project")
	showVersion   = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanner %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	prof, err := profile.Load(*profilePath)
	if err != nil {
		log.Fatalf("scanner: loading profile: %v", err)
	}

	sess := session.New(prof.ToSessionConfig())
	defer sess.Stop()

	unsubscribe := sess.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.EventScanProgress:
			monitoring.Logf("scanner: progress pattern %d points %d", len(ev.Cloud.PatternsUse), len(ev.Cloud.Points))
		case session.EventError:
			monitoring.Logf("scanner: event error: %v", ev.Err)
		}
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		if err := sess.Cancel(); err != nil {
			monitoring.Logf("scanner: cancel: %v", err)
		}
	}()

	if err := sess.Start(ctx, *totalPatterns); err != nil {
		log.Fatalf("scanner: scan failed: %v", err)
	}

	cloud := sess.LatestPointCloud()
	if err := export.WritePLY(fsutil.OSFileSystem{}, *outputPath, cloud); err != nil {
		log.Fatalf("scanner: exporting point cloud: %v", err)
	}

	log.Printf("scanner: wrote %d points to %s", len(cloud.Points), *outputPath)
}
