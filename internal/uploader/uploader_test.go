package uploader

import (
	"context"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPostSuccess(t *testing.T) {
	var gotContentType string
	var gotFields map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		r.ParseMultipartForm(1 << 20)
		gotFields = map[string]string{
			"WUid":     r.FormValue("WUid"),
			"clientid": r.FormValue("clientid"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.txt")
	if err := os.WriteFile(path, []byte("result data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	u := New(srv.Client(), srv.URL, time.Millisecond, nil)
	err := u.Post(context.Background(), Upload{
		WUID:     "W1",
		ClientID: "cli-1",
		Files:    []FilePart{{Filename: "out.txt", Path: path}},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	mt, _, err := mime.ParseMediaType(gotContentType)
	if err != nil || mt != "multipart/form-data" {
		t.Fatalf("content-type = %q, err = %v", gotContentType, err)
	}
	if gotFields["WUid"] != "W1" || gotFields["clientid"] != "cli-1" {
		t.Fatalf("fields = %+v", gotFields)
	}
}

func TestPostOmitsUnsetScalarsAndEmitsCommandOutputParts(t *testing.T) {
	var sawExitcode, sawFailedCommand bool
	var stdoutParts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		if r.FormValue("exitcode") != "" {
			sawExitcode = true
		}
		if r.FormValue("failedcommand") != "" {
			sawFailedCommand = true
		}
		for _, fh := range r.MultipartForm.File["results"] {
			stdoutParts = append(stdoutParts, fh.Filename)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, time.Millisecond, nil)
	err := u.Post(context.Background(), Upload{
		WUID:     "W1",
		ClientID: "cli-1",
		Outputs: []CommandOutput{
			{Index: 0, Stdout: "hello\n"},
			{Index: 1, Stderr: "boom\n"},
		},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if sawExitcode || sawFailedCommand {
		t.Fatalf("unset scalar fields were sent: exitcode=%v failedcommand=%v", sawExitcode, sawFailedCommand)
	}
	if len(stdoutParts) != 2 || stdoutParts[0] != "stdout0" || stdoutParts[1] != "stderr1" {
		t.Fatalf("result parts = %v, want [stdout0 stderr1]", stdoutParts)
	}
}

func TestPostPermanentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, time.Millisecond, nil)
	err := u.Post(context.Background(), Upload{WUID: "W1", ClientID: "cli"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPostRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, time.Millisecond, nil)
	err := u.Post(context.Background(), Upload{WUID: "W1", ClientID: "cli"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
