package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
)

// ProgressEvent reports the state of a multi-file import.
type ProgressEvent struct {
	FileName   string  `json:"fileName"`
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"` // "completed" or "error"
	Error      string  `json:"error,omitempty"`
}

// ProgressCallback is called after each file of ImportFiles.
type ProgressCallback func(progress ProgressEvent)

// FileJob names a file on disk and, optionally, the account it imports into.
type FileJob struct {
	Path      string
	AccountID string
}

// FileResult contains the result of importing a single file from disk.
type FileResult struct {
	Path   string
	Result *Result
	Err    error
}

// CommitFunc persists the unique transactions of one file. accountID is the
// destination account of the request, possibly empty.
type CommitFunc func(ctx context.Context, accountID string, res *Result) error

// WithCommit sets the function ImportFiles calls after each successful file,
// so that later files in the batch see the keys of earlier ones. Import never
// calls it.
func WithCommit(fn CommitFunc) Option {
	return func(im *Importer) { im.commit = fn }
}

// ImportFiles imports files one at a time. A failing file is reported in its
// FileResult and does not stop the remaining files; cancellation does.
// base supplies Mapping, Limit and the default AccountID.
func (im *Importer) ImportFiles(ctx context.Context, jobs []FileJob, base Request, progress ProgressCallback) ([]FileResult, error) {
	log := logger.FromContext(ctx)
	total := len(jobs)
	results := make([]FileResult, 0, total)

	for i, job := range jobs {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		fileName := filepath.Base(job.Path)
		fr := FileResult{Path: job.Path}

		content, err := os.ReadFile(job.Path)
		if err != nil {
			fr.Err = fmt.Errorf("failed to read file: %w", err)
		} else {
			req := base
			req.Filename = fileName
			req.Content = content
			if job.AccountID != "" {
				req.AccountID = job.AccountID
			}
			fr.Result, fr.Err = im.Import(ctx, req)
			if fr.Err == nil && im.commit != nil {
				if err := im.commit(ctx, req.AccountID, fr.Result); err != nil {
					fr.Err = fmt.Errorf("failed to save %s: %w", fileName, err)
				}
			}
		}
		results = append(results, fr)

		event := ProgressEvent{
			FileName:   fileName,
			Processed:  i + 1,
			Total:      total,
			Percentage: float64(i+1) / float64(total) * 100,
			Status:     "completed",
		}
		if fr.Err != nil {
			log.Error().Err(fr.Err).Str("path", job.Path).Msg("failed to import file")
			event.Status = "error"
			event.Error = UserMessage(fr.Err)
		}
		if progress != nil {
			progress(event)
		}
	}

	return results, nil
}
