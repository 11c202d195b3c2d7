package sink

import (
	"context"
	"time"
)

const (
	// TypeLocalDir is the storage type for a local directory sink.
	TypeLocalDir = "LocalDir"
	// TypeS3 is the storage type for an S3-compatible bucket sink.
	TypeS3 = "S3"
)

// ReportBundle is the set of report artifacts produced by one profiling session.
//
// Fields:
//   - SessionID: The unique identifier of the session that produced the reports.
//   - Files: Absolute paths of the artifact files to publish.
type ReportBundle struct {
	SessionID string
	Files     []string
}

// UploadInfo contains details of a published artifact file.
type UploadInfo struct {
	Src          string
	Dest         string
	ChecksumType string
	Checksum     string
	Size         int64
	LastModified time.Time
}

// PublishResult represents the result of publishing a report bundle to one sink.
//
// Fields:
//   - Error: Any error that occurred during publication.
//   - SessionID: The session whose reports were published.
//   - Dest: The destination paths of the published files.
//   - Handler: The identifier of the sink that handled the bundle.
//   - Type: The storage type of the sink.
type PublishResult struct {
	Error     error
	SessionID string
	Dest      []string
	Handler   string
	Type      string
}

// Sink defines the interface for a report publication target.
//
// Implementations must be safe for concurrent use: the profiler publishes to
// all configured sinks in parallel after a session ends.
type Sink interface {
	Info() string
	Type() string
	Publish(ctx context.Context, bundle ReportBundle, published chan<- PublishResult)
}
