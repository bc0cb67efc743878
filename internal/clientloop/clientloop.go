// Package clientloop drives the fetch/verify/execute/upload cycle that
// wuclient.py runs forever. It is the client-side counterpart of the
// teacher's handleConnection (server/connection.go): one function owning
// the full lifecycle of a single work-unit, iterated by an outer loop that
// keeps going until the coordinator signals there's nothing left to do.
package clientloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"wudispatch/internal/config"
	"wudispatch/internal/downloader"
	"wudispatch/internal/runner"
	"wudispatch/internal/uploader"
	"wudispatch/internal/wu"
)

// ErrNoWork is returned by RunOnce when the coordinator had no work to
// assign, the client loop's termination signal for a single pass (spec
// §4.7).
var ErrNoWork = fmt.Errorf("clientloop: no work available")

// Loop owns the long-running cycle: fetch a work-unit, download its
// files, run its commands, and upload the result, until the coordinator
// has no work to assign, a fatal error occurs, or the context is cancelled.
type Loop struct {
	Config     config.ClientConfig
	Downloader *downloader.Downloader
	Uploader   *uploader.Uploader
	Logger     *zap.Logger
}

func New(cfg config.ClientConfig, dl *downloader.Downloader, up *uploader.Uploader, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{Config: cfg, Downloader: dl, Uploader: up, Logger: logger}
}

// Run repeats RunOnce until the context is cancelled, a fatal error
// occurs, or the coordinator reports no more work. Per spec §4.7
// ("Termination: the downloader returning an HTTP-level failure for the
// WU-fetch URL ends the loop"), a no-work response ends the loop cleanly
// rather than being retried -- the operator's driver (cron, supervisor)
// is what invokes the client again later, mirroring wuclient.py's
// single-pass-per-invocation design.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := l.RunOnce(ctx)
		if err == nil {
			continue
		}
		if err == ErrNoWork {
			l.Logger.Info("no work available, exiting cleanly")
			return nil
		}
		return err
	}
}

// RunOnce fetches exactly one work-unit and drives it through the full
// lifecycle: download declared files, run its commands in order, and
// upload the result. Returns ErrNoWork if the coordinator has nothing to
// assign.
func (l *Loop) RunOnce(ctx context.Context) error {
	wuPath := filepath.Join(l.Config.WorkDir, "wu.txt")
	if err := l.Downloader.GetWU(ctx, l.Config.GetWUURL(), wuPath); err != nil {
		// Per spec §4.7, an HTTP-level failure fetching the WU-fetch URL
		// (e.g. a 404/5xx) means "no work available" and ends the loop
		// cleanly, the same as an empty response body.
		var permErr *downloader.PermanentHTTPError
		if errors.As(err, &permErr) {
			return ErrNoWork
		}
		return fmt.Errorf("clientloop: fetching work-unit: %w", err)
	}

	// A 204 No Content from the coordinator (no work available) downloads
	// as a zero-length file; that's the client's "nothing to do" signal,
	// not an error.
	raw, err := os.ReadFile(wuPath)
	if err != nil {
		return fmt.Errorf("clientloop: reading fetched work-unit: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return ErrNoWork
	}

	doc, err := wu.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("clientloop: parsing work-unit: %w", err)
	}

	l.Logger.Info("assigned work-unit", zap.String("wuid", doc.ID()))

	// Per spec §6, "${ARCH}" in a declared filename is substituted with
	// the client's arch string when resolving the download URL, and
	// stripped (substituted with "") when choosing the local file name.
	for _, f := range doc.Files() {
		localName := wu.Substitute(f.Name, "")
		dest := filepath.Join(l.Config.DownloadDir, localName)
		url := l.Config.ServerURL + "/download/" + wu.Substitute(f.Name, l.Config.Arch)
		if err := l.Downloader.GetMissingFile(ctx, url, dest, f.SHA1); err != nil {
			return l.uploadFailure(ctx, doc.ID(), 1, err)
		}
	}
	for _, f := range doc.ExecFiles() {
		localName := wu.Substitute(f.Name, "")
		dest := filepath.Join(l.Config.WorkDir, localName)
		url := l.Config.ServerURL + "/download/" + wu.Substitute(f.Name, l.Config.Arch)
		if err := l.Downloader.GetMissingFile(ctx, url, dest, f.SHA1); err != nil {
			return l.uploadFailure(ctx, doc.ID(), 1, err)
		}
		// Spec §4.7: "for each EXECFILE: set user-execute permission bit."
		if err := setExecutable(dest); err != nil {
			return l.uploadFailure(ctx, doc.ID(), 1, err)
		}
	}

	var files []uploader.FilePart
	for _, name := range doc.ResultNames() {
		files = append(files, uploader.FilePart{Filename: name, Path: filepath.Join(l.Config.WorkDir, name)})
	}

	var (
		outputs       []uploader.CommandOutput
		errorCode     *int
		failedCommand *int
	)
	if resultsAlreadyExist(files) {
		// Spec §4.7: "if all RESULT files already exist: skip execution" --
		// a retried upload after a prior crash shouldn't redo the work.
		l.Logger.Info("result files already present, skipping execution", zap.String("wuid", doc.ID()))
		zero := 0
		errorCode = &zero
	} else {
		vars := map[string]string{"ARCH": l.Config.Arch}
		r := runner.New(l.Config.WorkDir, l.Config.Niceness)
		// Per spec §4.7, a failing command still proceeds to upload
		// rather than aborting the cycle -- the error is reported, not
		// swallowed.
		var results []runner.Result
		var runErr error
		results, failedCommand, runErr = r.RunAll(ctx, doc.Commands(), vars)

		outputs = make([]uploader.CommandOutput, len(results))
		for i, res := range results {
			outputs[i] = uploader.CommandOutput{Index: i, Stdout: res.Stdout, Stderr: res.Stderr}
		}

		switch {
		case runErr != nil:
			// The failed command never started (e.g. exec lookup
			// failure), so no exit status exists for it.
			ec := 1
			errorCode = &ec
		case failedCommand != nil:
			ec := results[len(results)-1].ExitCode
			errorCode = &ec
		default:
			zero := 0
			errorCode = &zero
		}
	}

	if err := l.Uploader.Post(ctx, uploader.Upload{
		WUID:          doc.ID(),
		ClientID:      l.Config.ClientID,
		ErrorCode:     errorCode,
		FailedCommand: failedCommand,
		Files:         files,
		Outputs:       outputs,
	}); err != nil {
		return err
	}

	// Spec §4.7: "on success, delete RESULT files and the WU file."
	for _, f := range files {
		os.Remove(f.Path)
	}
	os.Remove(wuPath)
	return nil
}

// setExecutable adds the user-execute bit to a downloaded EXECFILE,
// per spec §4.7, without disturbing its other permission bits.
func setExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode()|0o100)
}

// resultsAlreadyExist reports whether every declared result file is
// already present on disk, per spec §4.7's skip-execution short circuit.
func resultsAlreadyExist(files []uploader.FilePart) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if _, err := os.Stat(f.Path); err != nil {
			return false
		}
	}
	return true
}

// uploadFailure reports a work-unit that failed before any command ran
// (file download failure): errorCode is a fixed nonzero sentinel since no
// process exit status exists, and failedCommand is omitted since no
// command index is implicated.
func (l *Loop) uploadFailure(ctx context.Context, wuid string, errorCode int, cause error) error {
	l.Logger.Warn("work-unit failed locally", zap.String("wuid", wuid), zap.Error(cause))
	ec := errorCode
	return l.Uploader.Post(ctx, uploader.Upload{
		WUID:      wuid,
		ClientID:  l.Config.ClientID,
		ErrorCode: &ec,
	})
}
