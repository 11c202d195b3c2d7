package profiler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pythonspeed/memtrail/internal/callstack"
	"github.com/pythonspeed/memtrail/internal/config"
	"github.com/pythonspeed/memtrail/internal/report"
	"github.com/pythonspeed/memtrail/internal/shim"
	"github.com/pythonspeed/memtrail/internal/sink"
	"github.com/pythonspeed/memtrail/internal/snapshot"
	"github.com/pythonspeed/memtrail/internal/tracker"
	"github.com/pythonspeed/memtrail/pkg/fsx"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

// LockFileName is the name of the session lock file inside the output
// directory. It guards against two sessions writing reports to the same
// directory at the same time.
const LockFileName = ".memtrail.lock"

var (
	// ErrSessionRunning is returned when Start is called while a session is
	// already active.
	ErrSessionRunning = errors.New("a profiling session is already running")
	// ErrNoSession is returned when Stop is called without an active session.
	ErrNoSession = errors.New("no profiling session is running")
	// ErrOutputDirLocked is returned when another process holds the session
	// lock for the output directory.
	ErrOutputDirLocked = errors.New("output directory is locked by another session")
)

// Options configures a Profiler.
type Options struct {
	// OutputDir is the directory report artifacts are written to.
	OutputDir string
	// Threshold is the minimum fraction of the peak total a call stack must
	// hold to be reported on its own.
	Threshold float64
	// TopN bounds the rows of the text summary.
	TopN int
	// MaxStackDepth bounds how many frames of a call chain are retained.
	MaxStackDepth int
	// HiddenFrames lists glob patterns of function names to drop from
	// reported stacks.
	HiddenFrames []string
	// ResetOnFork drops accumulated tracking state in a forked child instead
	// of only re-arming the lock.
	ResetOnFork bool
	// Loader resolves the real allocator entry points the shim forwards to.
	Loader shim.Loader
	// Sinks is the list of publication targets for the report bundle.
	Sinks []sink.Sink
}

// Result holds the outcome of a finished profiling session.
type Result struct {
	// SessionID is the unique identifier of the session.
	SessionID string
	// Files lists the report artifacts written to the output directory.
	Files []string
	// TotalPeakBytes is the tracked total at the peak snapshot.
	TotalPeakBytes uint64
	// Degraded indicates the shim fell back to passthrough for some entries.
	Degraded bool
	// Incomplete indicates tracking state may be missing allocations.
	Incomplete bool
	// Published holds the per-sink publication results, if any sinks were
	// configured.
	Published []sink.PublishResult
}

// Profiler owns the lifecycle of a profiling session: it wires the collector,
// tracker and shim together, runs the session, and turns the peak snapshot
// into report artifacts when the session ends.
type Profiler struct {
	mu   sync.Mutex
	opts Options

	collector *callstack.Collector
	peaks     *snapshot.Store
	tracker   *tracker.Tracker
	shim      *shim.Shim
	writer    *report.Writer

	fileLock  *flock.Flock
	sessionID string
	running   bool
}

// New creates a Profiler from the given options.
//
// Parameters:
//   - opts: The profiling session options.
//
// Returns:
//   - The profiler, or an error if the options are invalid or the output
//     directory cannot be prepared.
func New(opts Options) (*Profiler, error) {
	if opts.Loader == nil {
		return nil, errors.New("missing allocator loader")
	}
	if err := config.ValidateProfileConfig(config.ProfileConfig{
		OutputDir:     opts.OutputDir,
		Threshold:     opts.Threshold,
		TopN:          opts.TopN,
		MaxStackDepth: opts.MaxStackDepth,
	}); err != nil {
		return nil, err
	}

	if err := fsx.EnsureDir(opts.OutputDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to prepare output directory")
	}
	if !fsx.IsWritableDir(opts.OutputDir) {
		return nil, errors.Errorf("output directory is not writable: %s", opts.OutputDir)
	}

	exporter, err := report.NewExporter(report.Options{
		Threshold:    opts.Threshold,
		TopN:         opts.TopN,
		HiddenFrames: opts.HiddenFrames,
	})
	if err != nil {
		return nil, err
	}

	collector := callstack.NewCollector(opts.MaxStackDepth)
	peaks := snapshot.NewStore()
	trk := tracker.New(collector, peaks)

	sh, err := shim.New(opts.Loader, trk, collector, shim.Options{
		ResetStateOnFork: opts.ResetOnFork,
	})
	if err != nil {
		return nil, err
	}

	return &Profiler{
		opts:      opts,
		collector: collector,
		peaks:     peaks,
		tracker:   trk,
		shim:      sh,
		writer:    report.NewWriter(exporter),
	}, nil
}

// FromConfig creates a Profiler from the loaded configuration, constructing
// the configured sinks.
func FromConfig(cfg config.Config, loader shim.Loader) (*Profiler, error) {
	opts := Options{
		OutputDir:     cfg.Profile.OutputDir,
		Threshold:     cfg.Profile.Threshold,
		TopN:          cfg.Profile.TopN,
		MaxStackDepth: cfg.Profile.MaxStackDepth,
		HiddenFrames:  cfg.Profile.HiddenFrames,
		ResetOnFork:   cfg.Profile.ResetOnFork,
		Loader:        loader,
	}

	if cfg.Sinks != nil {
		if cfg.Sinks.LocalDir != nil && cfg.Sinks.LocalDir.Enabled {
			s, err := sink.NewLocalDir("local-archive", *cfg.Sinks.LocalDir)
			if err != nil {
				return nil, errors.Wrap(err, "failed to create local directory sink")
			}
			opts.Sinks = append(opts.Sinks, s)
		}
		if cfg.Sinks.S3 != nil && cfg.Sinks.S3.Enabled {
			s, err := sink.NewS3("s3-archive", *cfg.Sinks.S3)
			if err != nil {
				return nil, errors.Wrap(err, "failed to create S3 sink")
			}
			opts.Sinks = append(opts.Sinks, s)
		}
	}

	return New(opts)
}

// Shim returns the allocator shim for installation into the host process.
func (p *Profiler) Shim() *shim.Shim {
	return p.shim
}

// NewThread registers a new host thread with the shim.
func (p *Profiler) NewThread() *shim.ThreadState {
	return p.shim.NewThread()
}

// SessionID returns the identifier of the active session, or an empty string.
func (p *Profiler) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Running reports whether a session is active.
func (p *Profiler) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start begins a profiling session.
//
// The output directory is locked for the duration of the session so that
// concurrent sessions cannot clobber each other's reports.
//
// Returns:
//   - The session identifier, or an error if a session is already running or
//     the output directory lock cannot be acquired.
func (p *Profiler) Start() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return "", ErrSessionRunning
	}

	fileLock := flock.New(filepath.Join(p.opts.OutputDir, LockFileName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return "", errors.Wrap(err, "failed to acquire session lock")
	}
	if !locked {
		return "", ErrOutputDirLocked
	}

	if err := p.tracker.Start(); err != nil {
		_ = fileLock.Unlock()
		return "", err
	}

	p.fileLock = fileLock
	p.sessionID = uuid.NewString()
	p.running = true
	p.collector.MarkInterpreterReady()

	log := logx.Component("profiler")
	log.Info().
		Str("session_id", p.sessionID).
		Str("output_dir", p.opts.OutputDir).
		Msg("Profiling session started")

	return p.sessionID, nil
}

// Stop ends the active session, writes the report artifacts for the peak
// snapshot, and publishes them to the configured sinks.
//
// Parameters:
//   - ctx: The context bounding report publication.
//
// Returns:
//   - The session result, or an error if no session is running or the
//     reports cannot be written. Sink failures do not fail Stop; they are
//     carried in the per-sink results.
func (p *Profiler) Stop(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, ErrNoSession
	}

	log := logx.Component("profiler").With().Str("session_id", p.sessionID).Logger()

	if err := p.tracker.Stop(); err != nil {
		log.Warn().Err(err).Msg("Tracker was already stopped")
	}

	defer func() {
		if p.fileLock != nil {
			if err := p.fileLock.Unlock(); err != nil {
				log.Warn().Err(err).Msg("Failed to release session lock")
			}
			p.fileLock = nil
		}
		p.running = false
	}()

	snap := p.peaks.Get()
	if snap == nil {
		return nil, errors.New("session produced no snapshot")
	}

	files, err := p.writer.Write(p.opts.OutputDir, p.sessionID, snap)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write report artifacts")
	}

	result := &Result{
		SessionID:      p.sessionID,
		Files:          files,
		TotalPeakBytes: snap.TotalBytes,
		Degraded:       snap.Degraded,
		Incomplete:     snap.Incomplete,
	}
	result.Published = p.publish(ctx, sink.ReportBundle{
		SessionID: p.sessionID,
		Files:     files,
	})

	log.Info().
		Uint64("total_peak_bytes", result.TotalPeakBytes).
		Int("files", len(result.Files)).
		Int("sinks", len(result.Published)).
		Msg("Profiling session finished")

	return result, nil
}

// publish fans the report bundle out to all configured sinks in parallel and
// collects their results.
func (p *Profiler) publish(ctx context.Context, bundle sink.ReportBundle) []sink.PublishResult {
	if len(p.opts.Sinks) == 0 {
		return nil
	}

	published := make(chan sink.PublishResult, len(p.opts.Sinks))
	var wg sync.WaitGroup
	for _, s := range p.opts.Sinks {
		wg.Add(1)
		go func(s sink.Sink) {
			defer wg.Done()
			s.Publish(ctx, bundle, published)
		}(s)
	}
	wg.Wait()
	close(published)

	results := make([]sink.PublishResult, 0, len(p.opts.Sinks))
	for r := range published {
		results = append(results, r)
	}
	return results
}

// Reset discards all tracking state accumulated so far without ending the
// session. Subsequent allocations start a fresh peak history.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker.Reset()
	log := logx.Component("profiler")
	log.Debug().Str("session_id", p.sessionID).Msg("Tracking state reset")
}

// Tracker exposes the allocation tracker, mainly for inspection.
func (p *Profiler) Tracker() *tracker.Tracker {
	return p.tracker
}

// PeakSnapshotTime returns the capture time of the current peak snapshot, or
// the zero time if no peak has been recorded yet.
func (p *Profiler) PeakSnapshotTime() time.Time {
	if snap := p.peaks.Get(); snap != nil {
		return snap.Timestamp
	}
	return time.Time{}
}
