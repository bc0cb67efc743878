// Package downloader implements the content-addressed fetch algorithm of
// spec §4.4: URL fetch with SHA-1 verification, mismatch-aware
// re-download, and transient-failure retry with fixed backoff. It is a Go
// port of wuclient.py's get_file/do_checksum/get_missing_file, streamed in
// the teacher's fixed-block style (snapshot/snapshot.go's 64 KiB reads).
package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// blockSize bounds memory while hashing, per spec §4.4 ("64 KiB").
const blockSize = 64 * 1024

// PermanentHTTPError wraps a non-transient HTTP status (4xx/5xx) returned
// while fetching a URL, per spec §7.
type PermanentHTTPError struct {
	URL        string
	StatusCode int
}

func (e *PermanentHTTPError) Error() string {
	return fmt.Sprintf("downloader: %s: http %d", e.URL, e.StatusCode)
}

// ChecksumMismatchError is returned when two consecutive downloads produce
// the same digest and it does not match the expected SHA-1.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Got      string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("downloader: %s: checksum mismatch, expected %s got %s (server serving wrong content)", e.Path, e.Expected, e.Got)
}

// Downloader fetches files over HTTP with content-addressed verification.
type Downloader struct {
	Client       *http.Client
	RetryWait    time.Duration
	Logger       *zap.Logger
}

func New(client *http.Client, retryWait time.Duration, logger *zap.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{Client: client, RetryWait: retryWait, Logger: logger}
}

// Checksum computes the SHA-1 digest of a file, streaming in fixed-size
// blocks to bound memory (spec §4.4).
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, blockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fetch performs a single GET of url into dest, retrying transport-level
// failures (connection/DNS errors) forever at a fixed interval, and
// returning a *PermanentHTTPError immediately for 4xx/5xx responses, per
// spec §4.4 step 2.
func (d *Downloader) fetch(ctx context.Context, url, dest string) error {
	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := d.Client.Do(req)
		if err != nil {
			d.Logger.Warn("download transport error, retrying", zap.String("url", url), zap.Error(err))
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(&PermanentHTTPError{URL: url, StatusCode: resp.StatusCode})
		}

		out, err := os.Create(dest)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer out.Close()

		if _, err := io.Copy(out, resp.Body); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(d.RetryWait)),
		backoff.WithMaxElapsedTime(0))
	if err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return permErr.Unwrap()
		}
		return err
	}
	return nil
}

// GetMissingFile implements spec §4.4 in full: if dest already exists and
// matches expectedSHA1 (or no checksum is declared), it's a no-op success.
// Otherwise it downloads, and on checksum mismatch deletes the file and
// downloads again; it gives up as soon as two consecutive downloads
// produce the same wrong digest (the server is serving the wrong content,
// and looping won't fix that).
func (d *Downloader) GetMissingFile(ctx context.Context, url, dest string, expectedSHA1 string) error {
	if _, err := os.Stat(dest); err == nil {
		if expectedSHA1 == "" {
			return nil
		}
		sum, err := Checksum(dest)
		if err != nil {
			return err
		}
		if strings.EqualFold(sum, expectedSHA1) {
			return nil
		}
		d.Logger.Info("existing file has wrong checksum, deleting",
			zap.String("path", dest), zap.String("got", sum), zap.String("want", expectedSHA1))
		if err := os.Remove(dest); err != nil {
			return err
		}
	}

	var lastBadSum string
	for {
		if err := d.fetch(ctx, url, dest); err != nil {
			return err
		}
		if expectedSHA1 == "" {
			return nil
		}
		sum, err := Checksum(dest)
		if err != nil {
			return err
		}
		if strings.EqualFold(sum, expectedSHA1) {
			return nil
		}
		if lastBadSum != "" && strings.EqualFold(sum, lastBadSum) {
			return &ChecksumMismatchError{Path: dest, Expected: expectedSHA1, Got: sum}
		}
		d.Logger.Warn("downloaded file has wrong checksum, retrying",
			zap.String("path", dest), zap.String("got", sum), zap.String("want", expectedSHA1))
		if err := os.Remove(dest); err != nil {
			return err
		}
		lastBadSum = sum
	}
}

// GetWU fetches the work-unit document itself. A *PermanentHTTPError here
// is the client loop's termination signal (spec §4.7): "the coordinator
// returns no work".
func (d *Downloader) GetWU(ctx context.Context, url, dest string) error {
	return d.fetch(ctx, url, dest)
}
