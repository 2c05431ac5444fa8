// Package report exports final results of test runs.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/parallel"
	"github.com/etf-validator/etfd/internal/testrun"
)

// Report is the exported form of testrun.Result.
type Report struct {
	RunID     string    `json:"id"`
	Label     string    `json:"label"`
	ObjectID  string    `json:"test_object_id"`
	State     string    `json:"state"`
	Completed int       `json:"completed"`
	Max       int       `json:"max"`
	Started   time.Time `json:"started,omitzero"`
	Finished  time.Time `json:"finished"`
	Failure   string    `json:"failure,omitempty"`
}

func FromResult(res testrun.Result) Report {
	r := Report{
		RunID:     res.RunID,
		Label:     res.Label,
		ObjectID:  res.ObjectID,
		State:     res.State.String(),
		Completed: res.Completed,
		Max:       res.Max,
		Started:   res.Started,
		Finished:  res.Finished,
	}
	if res.State == testrun.Failed && res.Err != nil {
		r.Failure = res.Err.Error()
	}
	return r
}

type Uploader interface {
	Upload(ctx context.Context, r Report) error
}

type UploadCloser interface {
	Uploader
	io.Closer
}

// Uploaders returns uploaders configured by cfg. Results are written to
// stdout if nothing is configured.
func Uploaders(_ context.Context, cfg model.Service) ([]Uploader, error) {
	enabled := cfg.Repository != nil && cfg.Repository.Enabled
	if cfg.Reports == nil && !enabled {
		return []Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var uploaders []Uploader
	if cfg.Reports != nil {
		u, err := NewDirUploader(*cfg.Reports)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if enabled {
		u, err := NewRepoUploader(cfg.Repository.URL)
		if err != nil {
			return nil, errors.Join(err, Close(context.Background(), uploaders))
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

// Upload passes r to all uploaders concurrently and joins their errors.
func Upload(ctx context.Context, uploaders []Uploader, r Report) error {
	upload := func(ctx context.Context, u Uploader) (struct{}, error) {
		return struct{}{}, u.Upload(ctx, r)
	}
	var errs []error
	for _, err := range parallel.Map(ctx, len(uploaders), slices.Values(uploaders), upload) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, context.Cause(ctx))
	}
	return errors.Join(errs...)
}

// Close closes all uploaders implementing io.Closer.
func Close(ctx context.Context, uploaders []Uploader) error {
	var errs []error
	for _, uploader := range uploaders {
		if closer, ok := uploader.(UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WriteUploader writes one JSON document per line.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, r Report) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	return json.NewEncoder(u.w).Encode(r)
}

// DirUploader stores testrun-<id>.json files in a directory.
type DirUploader struct {
	root *os.Root
}

func NewDirUploader(path string) (*DirUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirUploader{root: root}, nil
}

func (u *DirUploader) Upload(ctx context.Context, r Report) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "testrun-" + r.RunID + ".json"
	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating test run report: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving test run report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing test run report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (u *DirUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
