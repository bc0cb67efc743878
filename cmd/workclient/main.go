// Command workclient is the Go successor to wuclient.py: it polls a
// coordinator for work, downloads the files a work-unit declares, runs
// its commands, and uploads the result, repeating until the coordinator
// has no work to assign.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"wudispatch/internal/clientloop"
	"wudispatch/internal/config"
	"wudispatch/internal/downloader"
	"wudispatch/internal/logging"
	"wudispatch/internal/uploader"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "workclient:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "workclient",
		Usage: "fetch, execute, and report distributed work-units",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "clientid", Usage: "defaults to a generated UUID if unset"},
			&cli.StringFlag{Name: "dldir", Required: true, Usage: "directory downloaded input files land in"},
			&cli.StringFlag{Name: "server", Required: true, Usage: "coordinator base URL, e.g. http://host:8080"},
			&cli.StringFlag{Name: "workdir", Usage: "directory commands run in; defaults to dldir"},
			&cli.StringFlag{Name: "getwupath", Value: config.DefaultGetWUPath},
			&cli.StringFlag{Name: "postresultpath", Value: config.DefaultPostResultPath},
			&cli.BoolFlag{Name: "debug"},
			&cli.StringFlag{Name: "arch", Value: "x86_64"},
			&cli.DurationFlag{Name: "downloadretry", Value: config.DefaultDownloadRetry},
			&cli.IntFlag{Name: "niceness", Value: 0},
			&cli.BoolFlag{Name: "once", Usage: "run a single fetch/execute/upload cycle and exit"},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New(c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	clientID := c.String("clientid")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	workDir := c.String("workdir")
	if workDir == "" {
		workDir = c.String("dldir")
	}

	cfg := config.ClientConfig{
		ClientID:       clientID,
		DownloadDir:    c.String("dldir"),
		ServerURL:      c.String("server"),
		WorkDir:        workDir,
		GetWUPath:      c.String("getwupath"),
		PostResultPath: c.String("postresultpath"),
		Debug:          c.Bool("debug"),
		Arch:           c.String("arch"),
		DownloadRetry:  c.Duration("downloadretry"),
		Niceness:       c.Int("niceness"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return err
	}

	dl := downloader.New(nil, cfg.DownloadRetry, logger)
	up := uploader.New(nil, cfg.PostResultURL(), cfg.DownloadRetry, logger)
	loop := clientloop.New(cfg, dl, up, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if c.Bool("once") {
		err := loop.RunOnce(ctx)
		if err == clientloop.ErrNoWork {
			return nil
		}
		return err
	}

	return loop.Run(ctx)
}
