package sink

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/pythonspeed/memtrail/pkg/fsx"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

// handler is a base struct for managing report publication.
//
// Fields:
//   - id: A unique identifier for the handler.
//   - sinkType: The type of sink (e.g., "S3", "LocalDir").
//   - pathPrefix: The prefix for the destination path.
//   - preSync: A function to validate or prepare the destination before syncing.
//   - syncFile: A function to handle the actual file synchronization.
type handler struct {
	id         string
	sinkType   string
	pathPrefix string
	preSync    func(ctx context.Context) error
	syncFile   func(ctx context.Context, src string, dest string) (*UploadInfo, error)
}

// Info returns the unique identifier of the handler.
func (h *handler) Info() string {
	return h.id
}

// Type returns the storage type of the handler.
func (h *handler) Type() string {
	return h.sinkType
}

// Publish uploads the report bundle and sends the result to the provided channel.
//
// Parameters:
//   - ctx: The context for managing request deadlines and cancellations.
//   - bundle: The report artifacts to be published.
//   - published: A channel to send the result of the publication.
func (h *handler) Publish(ctx context.Context, bundle ReportBundle, published chan<- PublishResult) {
	log := logx.As().With().
		Str("session_id", bundle.SessionID).
		Str("sink_type", h.Type()).
		Str("handler", h.Info()).
		Logger()

	log.Debug().Msg("Publishing report bundle")

	var dest []string
	uploadResults, err := h.runParallel(ctx, bundle)
	if err == nil {
		for _, r := range uploadResults {
			dest = append(dest, r.Dest)
		}
	}

	result := PublishResult{
		Error:     err,
		SessionID: bundle.SessionID,
		Dest:      dest,
		Handler:   h.Info(),
		Type:      h.Type(),
	}

	if err == nil {
		log.Info().Msg(fmt.Sprintf("%s successfully published the report bundle", h.Type()))
	} else {
		log.Error().Stack().Err(err).Msg(fmt.Sprintf("%s failed to publish the report bundle", h.Type()))
	}

	select {
	case published <- result:
	case <-ctx.Done():
		log.Warn().Msg("Context canceled while publishing reports")
	}
}

// runParallel synchronizes the bundle files in parallel.
//
// A bundle holds only a handful of small report artifacts, so one goroutine
// per file is fine here.
//
// Parameters:
//   - ctx: The context for managing request deadlines and cancellations.
//   - bundle: The report artifacts to publish.
//
// Returns:
//   - A slice of UploadInfo containing details of the published files.
//   - An error if any file fails to upload.
func (h *handler) runParallel(ctx context.Context, bundle ReportBundle) ([]*UploadInfo, error) {
	if bundle.SessionID == "" || len(bundle.Files) == 0 {
		return nil, errors.New("invalid report bundle")
	}

	if err := h.preSync(ctx); err != nil {
		return nil, fmt.Errorf("pre-sync validation failed: %w", err)
	}

	var results []*UploadInfo
	var mu sync.Mutex
	var wg sync.WaitGroup
	errChan := make(chan error, len(bundle.Files))

	for _, src := range bundle.Files {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			if _, exists := fsx.PathExists(src); !exists {
				logx.As().Warn().Str("src", src).Str("sink_type", h.Type()).Msg("Report file does not exist, skipping upload")
				return
			}

			dest := path.Join(h.pathPrefix, bundle.SessionID, filepath.Base(src))

			result, err := h.syncFile(ctx, src, dest)
			if err != nil {
				errChan <- fmt.Errorf("failed to upload file %s in %s: %w", src, h.Type(), err)
				return
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(src)
	}

	wg.Wait()
	close(errChan)

	if len(errChan) > 0 {
		return nil, <-errChan
	}

	return results, nil
}
