package report

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/pythonspeed/memtrail/internal/snapshot"
	"github.com/pythonspeed/memtrail/pkg/fsx"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

// Report artifact filenames.
const (
	FoldedFileName   = "peak-memory.folded"
	SummaryFileName  = "peak-memory.txt"
	ManifestFileName = "manifest.json"
)

// Manifest describes one written report, for consumers that want the session
// metadata without parsing the artifacts.
type Manifest struct {
	SessionID      string    `json:"session_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	PeakAt         time.Time `json:"peak_at"`
	TotalPeakBytes uint64    `json:"total_peak_bytes"`
	CallStacks     int       `json:"call_stacks"`
	Degraded       bool      `json:"degraded"`
	Incomplete     bool      `json:"incomplete"`
	Files          []string  `json:"files"`
}

// Writer renders a snapshot through an exporter and writes the report
// artifacts into an output directory.
type Writer struct {
	exporter *Exporter
}

// NewWriter creates a writer around the exporter.
func NewWriter(exporter *Exporter) *Writer {
	return &Writer{exporter: exporter}
}

// Write produces the folded stacks, the text summary, and the manifest in
// outputDir. Returns the paths of everything written.
//
// Files are written atomically, so a crash mid-report never leaves a consumer
// reading half a file.
func (w *Writer) Write(outputDir string, sessionID string, snap *snapshot.Snapshot) ([]string, error) {
	if snap == nil {
		return nil, errors.New("no snapshot to export")
	}

	log := logx.Component("report")

	entries := w.exporter.Entries(snap)

	foldedPath := filepath.Join(outputDir, FoldedFileName)
	if err := fsx.WriteFileAtomic(foldedPath, []byte(w.exporter.Folded(snap)), 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write folded stacks")
	}

	summaryPath := filepath.Join(outputDir, SummaryFileName)
	if err := fsx.WriteFileAtomic(summaryPath, []byte(w.exporter.Summary(snap)), 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write summary")
	}

	manifest := Manifest{
		SessionID:      sessionID,
		GeneratedAt:    time.Now().UTC(),
		PeakAt:         snap.Timestamp,
		TotalPeakBytes: snap.TotalBytes,
		CallStacks:     len(entries),
		Degraded:       snap.Degraded,
		Incomplete:     snap.Incomplete,
		Files:          []string{FoldedFileName, SummaryFileName},
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal manifest")
	}

	manifestPath := filepath.Join(outputDir, ManifestFileName)
	if err := fsx.WriteFileAtomic(manifestPath, data, 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write manifest")
	}

	log.Info().
		Str("output_dir", outputDir).
		Str("session", sessionID).
		Uint64("total_peak_bytes", snap.TotalBytes).
		Int("call_stacks", len(entries)).
		Msg("Peak memory report written")

	return []string{foldedPath, summaryPath, manifestPath}, nil
}
