// Command coordinator is the Go successor to wudb.py's command-line tool:
// it can create work-units, query them by status, administer them, and
// (unlike the Python script, which was invoked once per operation from a
// shell) also serve the HTTP dispatch interface the way a long-running
// coordinator daemon must.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"wudispatch/internal/backup"
	"wudispatch/internal/coordinatorhttp"
	"wudispatch/internal/dbrecord"
	"wudispatch/internal/gateway"
	"wudispatch/internal/logging"
	"wudispatch/internal/wustatus"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "coordinator",
		Usage: "dispatch and track distributed work-units",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dbname", Required: true, Usage: "path to the sqlite database file"},
			&cli.BoolFlag{Name: "debug", Usage: "enable invariant checks and verbose logging"},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "number of serialized DB gateway workers"},
			&cli.StringFlag{Name: "listen", Value: ":8080", Usage: "address for the HTTP dispatch interface"},

			&cli.BoolFlag{Name: "serve", Usage: "run the HTTP dispatch server"},
			&cli.StringFlag{Name: "uploaddir", Value: "./uploads", Usage: "directory results are written to"},

			&cli.StringFlag{Name: "add", Usage: "path to a work-unit document to create"},
			&cli.Int64Flag{Name: "prio", Usage: "priority for -add"},

			&cli.BoolFlag{Name: "avail", Usage: "list AVAILABLE work-units"},
			&cli.BoolFlag{Name: "assigned", Usage: "list ASSIGNED work-units"},
			&cli.BoolFlag{Name: "receivedok", Usage: "list RECEIVED_OK work-units"},
			&cli.BoolFlag{Name: "receivederr", Usage: "list RECEIVED_ERROR work-units"},
			&cli.BoolFlag{Name: "all", Usage: "list all work-units regardless of status"},
			&cli.BoolFlag{Name: "dump", Usage: "combined with a query flag, pretty-print the full work-unit text instead of a summary line"},
			&cli.IntFlag{Name: "limit", Usage: "cap the number of rows printed by a query flag"},

			&cli.StringFlag{Name: "cancel", Usage: "wuid to cancel"},
			&cli.StringFlag{Name: "verify-ok", Usage: "wuid to verify as OK"},
			&cli.StringFlag{Name: "verify-err", Usage: "wuid to verify as failed"},

			&cli.StringFlag{Name: "snapshot", Usage: "write a binary backup of the work-unit table to this path"},
			&cli.StringFlag{Name: "restore", Usage: "load a binary backup from this path"},
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

	gw, err := gateway.Open(c.String("dbname"), c.Int("workers"), c.Bool("debug"), logger)
	if err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}
	defer gw.Shutdown()

	switch {
	case c.String("add") != "":
		return doAdd(gw, c)
	case c.String("cancel") != "":
		return gw.Cancel(c.String("cancel"))
	case c.String("verify-ok") != "":
		return gw.Verify(c.String("verify-ok"), true)
	case c.String("verify-err") != "":
		return gw.Verify(c.String("verify-err"), false)
	case c.String("snapshot") != "":
		return doSnapshot(gw, c.String("snapshot"))
	case c.String("restore") != "":
		return doRestore(gw, c.String("restore"))
	case c.Bool("avail") || c.Bool("assigned") || c.Bool("receivedok") || c.Bool("receivederr") || c.Bool("all"):
		return doQuery(gw, c)
	case c.Bool("serve"):
		return doServe(gw, c, logger)
	}

	return cli.ShowAppHelp(c)
}

func doAdd(gw *gateway.Gateway, c *cli.Context) error {
	text, err := os.ReadFile(c.String("add"))
	if err != nil {
		return err
	}
	var priority *int64
	if c.IsSet("prio") {
		v := c.Int64("prio")
		priority = &v
	}
	wuid, err := gw.Create(string(text), priority)
	if err != nil {
		return err
	}
	fmt.Println(wuid)
	return nil
}

func doQuery(gw *gateway.Gateway, c *cli.Context) error {
	var conditions []dbrecord.Condition
	switch {
	case c.Bool("avail"):
		conditions = []dbrecord.Condition{dbrecord.Eq("status", int(wustatus.Available))}
	case c.Bool("assigned"):
		conditions = []dbrecord.Condition{dbrecord.Eq("status", int(wustatus.Assigned))}
	case c.Bool("receivedok"):
		conditions = []dbrecord.Condition{dbrecord.Eq("status", int(wustatus.ReceivedOK))}
	case c.Bool("receivederr"):
		conditions = []dbrecord.Condition{dbrecord.Eq("status", int(wustatus.ReceivedError))}
	}

	rows, err := gw.Query(conditions, c.Int("limit"), &dbrecord.Order{Column: "row_id"})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if c.Bool("dump") {
			fmt.Println(row.WUText)
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", row.WUID, wustatus.Status(row.Status).String(), row.TimeCreated)
	}
	return nil
}

func doSnapshot(gw *gateway.Gateway, path string) error {
	rows, err := gw.Query(nil, 0, &dbrecord.Order{Column: "row_id"})
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return backup.Write(f, backup.FromWorkUnits(rows))
}

func doRestore(gw *gateway.Gateway, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var restoreErr error
	err = backup.Load(f, func(rec backup.Record) {
		if restoreErr != nil {
			return
		}
		var priority *int64
		if rec.Priority != 0 {
			p := rec.Priority
			priority = &p
		}
		if _, err := gw.Create(rec.WUText, priority); err != nil {
			restoreErr = err
		}
	})
	if err != nil {
		return err
	}
	return restoreErr
}

func doServe(gw *gateway.Gateway, c *cli.Context, logger *zap.Logger) error {
	if err := os.MkdirAll(c.String("uploaddir"), 0o755); err != nil {
		return err
	}
	srv := coordinatorhttp.NewServer(c.String("listen"), gw, c.String("uploaddir"), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
		srv.Stop(context.Background())
		return nil
	}
}
