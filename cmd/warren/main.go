package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/logging"
	"github.com/prxssh/warren/internal/torrent"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
)

type flags struct {
	output     string
	logLevel   string
	logFile    string
	maxPeers   int
	port       uint16
	rate       int64
	verify     bool
	noProgress bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "warren:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var f flags

	fs := pflag.NewFlagSet("warren", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: warren [flags] <file.torrent>...\n\n")
		fs.PrintDefaults()
	}
	fs.StringVarP(&f.output, "output", "o", "", "download directory (default from config)")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFile, "log-file", "", "write logs to this file instead of stderr")
	fs.IntVar(&f.maxPeers, "max-peers", 0, "maximum peer sessions per torrent (0 keeps the default)")
	fs.Uint16VarP(&f.port, "port", "p", 0, "port reported to trackers (0 keeps the default)")
	fs.Int64Var(&f.rate, "rate", 0, "per-session download limit in bytes/second (0 is unlimited)")
	fs.BoolVar(&f.verify, "verify", false, "re-read and hash every piece once the download ends")
	fs.BoolVar(&f.noProgress, "no-progress", false, "disable the progress bar")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no torrent files given")
	}

	logger, closeLog, err := setupLogger(f.logLevel, f.logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := config.Init(); err != nil {
		return err
	}
	cfg := config.Update(func(c *config.Config) {
		if f.output != "" {
			c.DownloadDir = f.output
		}
		if f.maxPeers > 0 {
			c.MaxPeers = f.maxPeers
		}
		if f.port > 0 {
			c.Port = f.port
		}
		c.MaxDownloadRate = f.rate
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := newProgressBar(f.noProgress)

	client := torrent.NewClient(logger)
	defer client.Close()

	var total int64
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var tor *torrent.Torrent
		tor, err = client.Add(data, &torrent.Opts{
			Dir: cfg.DownloadDir,
			OnPieceVerified: func(index int) {
				_ = bar.Add(tor.PieceLength(index))
			},
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		total += tor.Metainfo.Size()
	}

	bar.ChangeMax64(total)
	bar.Describe("downloading")

	runErr := client.Run(ctx)
	_ = bar.Finish()

	for _, tor := range client.Torrents() {
		report(logger, tor, f.verify)
	}

	if runErr != nil {
		return runErr
	}
	if ctx.Err() != nil {
		logger.Warn("interrupted")
	}
	return nil
}

func report(logger *slog.Logger, tor *torrent.Torrent, verify bool) {
	st := tor.Stats()
	logger.Info("download finished",
		"torrent", tor.Metainfo.Info.Name,
		"path", tor.Path(),
		"complete", st.Complete,
		"pieces", st.NumPieces,
		"hash_failures", st.HashFailures,
	)

	if !verify {
		return
	}

	valid, err := tor.Verify()
	if err != nil {
		logger.Error("verify failed", "torrent", tor.Metainfo.Info.Name, "error", err)
		return
	}
	logger.Info("verified", "torrent", tor.Metainfo.Info.Name, "valid", valid.Count(), "pieces", st.NumPieces)
}

func newProgressBar(silent bool) *progressbar.ProgressBar {
	if silent {
		return progressbar.DefaultBytesSilent(-1, "downloading")
	}
	return progressbar.DefaultBytes(-1, "preparing")
}

func setupLogger(level, file string) (*slog.Logger, func(), error) {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	opts := logging.DefaultOptions()
	opts.Level = lvl

	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w, closeFn = f, func() { _ = f.Close() }
		opts.UseColor = false
	}

	l := logging.New(w, &opts)
	slog.SetDefault(l)
	return l, closeFn, nil
}
