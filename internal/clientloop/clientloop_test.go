package clientloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wudispatch/internal/config"
	"wudispatch/internal/downloader"
	"wudispatch/internal/uploader"
)

func TestRunOnceNoWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	workDir := t.TempDir()
	cfg := config.ClientConfig{
		ClientID:    "cli-1",
		DownloadDir: t.TempDir(),
		ServerURL:   srv.URL,
		WorkDir:     workDir,
		GetWUPath:   "/cgi-bin/getwu",
		Arch:        "x86_64",
	}
	dl := downloader.New(srv.Client(), time.Millisecond, nil)
	up := uploader.New(srv.Client(), srv.URL+"/cgi-bin/upload.py", time.Millisecond, nil)
	loop := New(cfg, dl, up, nil)

	err := loop.RunOnce(context.Background())
	if err != ErrNoWork {
		t.Fatalf("err = %v, want ErrNoWork", err)
	}
}

func TestRunEndsCleanlyOnNoWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.ClientConfig{
		ClientID:    "cli-1",
		DownloadDir: t.TempDir(),
		ServerURL:   srv.URL,
		WorkDir:     t.TempDir(),
		GetWUPath:   "/cgi-bin/getwu",
		Arch:        "x86_64",
	}
	dl := downloader.New(srv.Client(), time.Millisecond, nil)
	up := uploader.New(srv.Client(), srv.URL, time.Millisecond, nil)
	loop := New(cfg, dl, up, nil)

	// Per spec §4.7, a no-work response ends the loop cleanly rather than
	// polling forever.
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v, want nil (clean exit on no-work)", err)
	}
}

func TestRunOnceFullCycle(t *testing.T) {
	var uploadedWUID string
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/getwu", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("WORKUNIT CYCLE1\nCOMMAND echo hi\nRESULT out.txt\n"))
	})
	mux.HandleFunc("/cgi-bin/upload.py", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		uploadedWUID = r.FormValue("WUid")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	workDir := t.TempDir()
	cfg := config.ClientConfig{
		ClientID:       "cli-1",
		DownloadDir:    t.TempDir(),
		ServerURL:      srv.URL,
		WorkDir:        workDir,
		GetWUPath:      "/cgi-bin/getwu",
		PostResultPath: "/cgi-bin/upload.py",
		Arch:           "x86_64",
	}
	dl := downloader.New(srv.Client(), time.Millisecond, nil)
	up := uploader.New(srv.Client(), cfg.PostResultURL(), time.Millisecond, nil)
	loop := New(cfg, dl, up, nil)

	// The declared command doesn't produce out.txt itself; seed it so the
	// declared result exists. With every RESULT file already present,
	// RunOnce skips execution and uploads the seeded file.
	if err := os.WriteFile(filepath.Join(workDir, "out.txt"), []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if uploadedWUID != "CYCLE1" {
		t.Fatalf("uploadedWUID = %q", uploadedWUID)
	}
}
