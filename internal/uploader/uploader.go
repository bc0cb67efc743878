// Package uploader posts a work-unit's result files to the coordinator as
// a multipart/form-data request, grounded on wuclient.py's upload_result
// and the teacher's server/response.go (building one outgoing payload from
// several independent parts). Stdlib mime/multipart is used directly: no
// pack example wires a multipart client, and the format is dictated by
// spec §6's wire contract rather than by a third-party client library.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Upload is the set of fields the client posts back for one work-unit,
// per spec §4.6/§6. ErrorCode and FailedCommand are pointers because spec
// §4.6 requires them "present only if set" -- a RECEIVED_OK upload must
// omit failedcommand entirely, not send the string "0" (which would be
// indistinguishable from "command index 0 failed").
type Upload struct {
	WUID          string
	ClientID      string
	ErrorCode     *int
	FailedCommand *int
	Files         []FilePart
	// Outputs carries each executed command's captured stdout/stderr, in
	// command order, for the stdout<i>/stderr<i> parts of spec §4.6.
	Outputs []CommandOutput
}

// FilePart is one raw declared result file attached to the multipart body.
type FilePart struct {
	Filename string
	Path     string
}

// CommandOutput is one executed command's captured streams. Per spec
// §4.6, only non-empty buffers become upload parts.
type CommandOutput struct {
	Index  int
	Stdout string
	Stderr string
}

// Uploader posts Upload payloads to the coordinator's result endpoint.
type Uploader struct {
	Client    *http.Client
	URL       string
	RetryWait time.Duration
	Logger    *zap.Logger
}

func New(client *http.Client, url string, retryWait time.Duration, logger *zap.Logger) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{Client: client, URL: url, RetryWait: retryWait, Logger: logger}
}

func buildBody(u Upload) (contentType string, body []byte, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	// Scalar fields, present only if set (spec §4.6: "each present only
	// if set"), named to match the wire contract of spec §4.6/§6.
	fields := []struct{ name, value string }{
		{"WUid", u.WUID},
		{"clientid", u.ClientID},
	}
	if u.ErrorCode != nil {
		fields = append(fields, struct{ name, value string }{"exitcode", fmt.Sprintf("%d", *u.ErrorCode)})
	}
	if u.FailedCommand != nil {
		fields = append(fields, struct{ name, value string }{"failedcommand", fmt.Sprintf("%d", *u.FailedCommand)})
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return "", nil, err
		}
	}

	// One part per declared result file, form field name "results" per
	// spec §4.6, filename the declared name.
	for _, f := range u.Files {
		part, err := w.CreateFormFile("results", f.Filename)
		if err != nil {
			return "", nil, err
		}
		raw, err := os.Open(f.Path)
		if err != nil {
			return "", nil, err
		}
		_, copyErr := io.Copy(part, raw)
		raw.Close()
		if copyErr != nil {
			return "", nil, copyErr
		}
	}

	// One part per non-empty captured stdout/stderr buffer, per spec
	// §4.6 ("name=results, filename=stdout<i>/stderr<i>").
	for _, o := range u.Outputs {
		if o.Stdout != "" {
			part, err := w.CreateFormFile("results", fmt.Sprintf("stdout%d", o.Index))
			if err != nil {
				return "", nil, err
			}
			if _, err := part.Write([]byte(o.Stdout)); err != nil {
				return "", nil, err
			}
		}
		if o.Stderr != "" {
			part, err := w.CreateFormFile("results", fmt.Sprintf("stderr%d", o.Index))
			if err != nil {
				return "", nil, err
			}
			if _, err := part.Write([]byte(o.Stderr)); err != nil {
				return "", nil, err
			}
		}
	}

	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

// Post uploads u, retrying transport failures and 5xx responses forever
// at a fixed interval (spec §4.6: "retry indefinitely until the
// coordinator accepts the result"), since these are the server's problem
// to fix, not the client's.
func (u *Uploader) Post(ctx context.Context, upload Upload) error {
	contentType, body, err := buildBody(upload)
	if err != nil {
		return fmt.Errorf("uploader: building request: %w", err)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := u.Client.Do(req)
		if err != nil {
			u.Logger.Warn("upload transport error, retrying", zap.String("wuid", upload.WUID), zap.Error(err))
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			u.Logger.Warn("upload server error, retrying", zap.String("wuid", upload.WUID), zap.Int("status", resp.StatusCode))
			return struct{}{}, fmt.Errorf("uploader: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("uploader: rejected, status %d", resp.StatusCode))
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(u.RetryWait)),
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
