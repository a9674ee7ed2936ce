// Package fetch ensures monthly artifacts exist locally. Transfers are
// idempotent: an artifact already on disk is never downloaded again, and a
// failed transfer never leaves a partial file at the destination path.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Status is the outcome of an Ensure call.
type Status int

const (
	// StatusPresent means the artifact exists locally, either because it was
	// already there or because the transfer just completed.
	StatusPresent Status = iota
	// StatusUnavailable means the upstream could not supply the artifact.
	// Retryable by re-invocation; never fatal to prior progress.
	StatusUnavailable
)

func (s Status) String() string {
	if s == StatusPresent {
		return "present"
	}
	return "unavailable"
}

// TransferError marks an aborted run caused by an unreachable artifact.
// The orchestrator raises it when a mode cannot proceed without the artifact.
type TransferError struct {
	URL string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("artifact unavailable: %s", e.URL)
}

// Fetcher downloads artifacts over HTTPS with bounded transient retries.
type Fetcher struct {
	client   *retryablehttp.Client
	progress bool
}

// New creates a Fetcher. When showProgress is true a byte progress bar is
// rendered during transfers.
func New(showProgress bool) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil // transfer outcomes are logged here, not by the client

	return &Fetcher{client: client, progress: showProgress}
}

// Ensure makes sure the artifact at url exists at dest. It returns
// StatusPresent without any transfer when dest already holds a complete
// artifact. Transient upstream failures return StatusUnavailable with a nil
// error so the caller can branch without unwinding; a non-nil error means a
// local filesystem problem.
func (f *Fetcher) Ensure(ctx context.Context, url, dest string) (Status, error) {
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		logging.Debug("Artifact already present: %s", filepath.Base(dest))
		return StatusPresent, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return StatusUnavailable, fmt.Errorf("creating artifact dir: %w", err)
	}

	logging.Info("Downloading %s", url)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnavailable, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		logging.Warn("Download failed for %s: %v", url, err)
		return StatusUnavailable, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Warn("Download failed for %s: HTTP %d", url, resp.StatusCode)
		return StatusUnavailable, nil
	}

	// Write to a sibling temp file and rename so a crashed transfer can
	// never be mistaken for a complete artifact.
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return StatusUnavailable, fmt.Errorf("creating %s: %w", part, err)
	}

	var src io.Reader = resp.Body
	if f.progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		src = io.TeeReader(resp.Body, bar)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(part)
		logging.Warn("Transfer interrupted for %s: %v", url, err)
		return StatusUnavailable, nil
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return StatusUnavailable, fmt.Errorf("closing %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return StatusUnavailable, fmt.Errorf("finalizing %s: %w", dest, err)
	}

	logging.Info("Downloaded %s", filepath.Base(dest))
	return StatusPresent, nil
}

// Remove deletes a local artifact. Missing files are not an error; this is
// the post-load cleanup path guarded by the delete_after_load flag.
func (f *Fetcher) Remove(path string) error {
	return Remove(path)
}

// Remove deletes a local artifact, tolerating files that are already gone.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
