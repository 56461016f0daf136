// fetchengined is a minimal driver for the download Engine: it queues
// one or more URLs, prints progress to stderr, and exits once every
// download has completed or failed, or on interrupt (after pausing
// them all).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/kilimcininkoroglu/fetchengine/internal/config"
	"github.com/kilimcininkoroglu/fetchengine/internal/engine"
	"github.com/kilimcininkoroglu/fetchengine/internal/events"
	"github.com/kilimcininkoroglu/fetchengine/internal/logging"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
	"github.com/kilimcininkoroglu/fetchengine/internal/version"
)

// Exit codes, matching the teacher's CLI taxonomy.
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitParseError   = 2
	ExitInterrupted  = 8
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		outputDir   = flag.String("P", ".", "save directory")
		configFile  = flag.String("config", "", "config file path")
		onComplete  = flag.String("on-complete", "", "command to run on completion")
		onError     = flag.String("on-error", "", "command to run on error")
		webhookURL  = flag.String("webhook", "", "webhook URL for notifications")
		quiet       = flag.Bool("q", false, "quiet mode (no progress output)")
		showVersion = flag.Bool("version", false, "show version")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return ExitSuccess
	}
	if flag.NArg() == 0 {
		printUsage()
		return ExitParseError
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return ExitParseError
		}
	} else if loaded, err := config.Load(); err == nil {
		cfg = loaded
	}

	logger := logging.New(logging.Options{Level: slog.LevelWarn, Format: "text", Output: os.Stderr})
	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting engine: %v\n", err)
		return ExitGeneralError
	}
	defer eng.Close()

	if *onComplete != "" {
		eng.Hooks().AddCommand(*onComplete, "complete")
	}
	if *onError != "" {
		eng.Hooks().AddCommand(*onError, "error")
	}
	if *webhookURL != "" {
		eng.Hooks().AddWebhook(*webhookURL, "complete", "error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, pausing downloads...")
		cancel()
	}()

	pending := map[int64]bool{}
	for _, url := range flag.Args() {
		savePath := filepath.Join(*outputDir, filepath.Base(url))
		seed := statestore.Download{SourceURL: url, SavePath: savePath, State: statemachine.Queued}
		snap, err := eng.AddDownload(ctx, seed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: queuing %s: %v\n", url, err)
			continue
		}
		for _, d := range snap.Downloads {
			if d.SourceURL == url {
				pending[d.ID] = true
			}
		}
	}
	if len(pending) == 0 {
		return ExitGeneralError
	}

	ch, sub := eng.Subscribe()
	defer sub.Unsubscribe()

	interrupted := false
	failed := false
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			if _, err := eng.PauseAll(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: pausing on shutdown: %v\n", err)
			}
			interrupted = true
			pending = nil
		case ev, ok := <-ch:
			if !ok {
				pending = nil
				continue
			}
			if !*quiet {
				printEvent(ev)
			}
			if ev.Type == events.DownloadCompleted || ev.Type == events.DownloadFailed {
				if ev.Type == events.DownloadFailed {
					failed = true
				}
				delete(pending, ev.DownloadID)
			}
		}
	}

	if interrupted {
		return ExitInterrupted
	}
	if failed {
		return ExitGeneralError
	}
	return ExitSuccess
}

func printEvent(ev events.Event) {
	switch ev.Type {
	case events.DownloadProgress:
		if p, ok := ev.Payload.(events.ProgressPayload); ok {
			fmt.Fprintf(os.Stderr, "\r[%d] %s / %s  %s/s",
				ev.DownloadID, humanize.Bytes(uint64(p.DownloadedBytes)), humanize.Bytes(uint64(p.TotalBytes)), humanize.Bytes(uint64(p.SpeedBps)))
		}
	case events.DownloadCompleted:
		if p, ok := ev.Payload.(events.CompletedPayload); ok {
			fmt.Fprintf(os.Stderr, "\n[%d] completed: %s\n", ev.DownloadID, p.FinalPath)
		}
	case events.DownloadFailed:
		if p, ok := ev.Payload.(events.FailedPayload); ok {
			fmt.Fprintf(os.Stderr, "\n[%d] failed: %s\n", ev.DownloadID, p.Error)
		}
	case events.NeedsConfirmation:
		fmt.Fprintf(os.Stderr, "\n[%d] needs confirmation (file exists); use confirmOverwrite to proceed\n", ev.DownloadID)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s

Usage:
  fetchengined [OPTIONS] URL [URL...]

Options:
  -P DIR             save directory (default: current directory)
  --config FILE      config file path
  --on-complete CMD  command to run on completion
  --on-error CMD     command to run on error
  --webhook URL      webhook URL for notifications
  -q                 quiet mode (no progress output)
  --version          show version

Exit Codes:
  0  Success
  1  General error
  2  Parse/config error
  8  Interrupted (Ctrl+C)

Examples:
  fetchengined https://example.com/file.zip
  fetchengined -P /downloads https://example.com/a.iso https://example.com/b.iso
`, version.Full())
}
