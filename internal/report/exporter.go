package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/pythonspeed/memtrail/internal/snapshot"
)

// DefaultThreshold is the fraction of the snapshot total below which a call
// stack is folded into the aggregate entry.
const DefaultThreshold = 0.001

// DefaultTopN bounds the number of rows in the text summary.
const DefaultTopN = 25

// BelowThresholdLabel names the synthetic entry that absorbs call stacks
// under the threshold, so reported totals still sum to the snapshot's total.
const BelowThresholdLabel = "[below threshold]"

// Options configures an Exporter.
type Options struct {
	// Threshold is the minimum fraction of the total a call stack must hold
	// to be reported on its own. Zero means DefaultThreshold.
	Threshold float64
	// TopN bounds the text summary. Zero means DefaultTopN.
	TopN int
	// HiddenFrames holds glob patterns; frames whose function name matches
	// are dropped from reported stacks, their weight folding into the
	// surrounding frames.
	HiddenFrames []string
}

// Entry is one reported call stack with its byte weight. Frames are rendered
// labels, root-to-leaf.
type Entry struct {
	Frames []string
	Bytes  uint64
}

// Exporter converts a peak snapshot into a flamegraph-ready weighted list and
// a text summary. It only ever reads snapshots; it holds no tracking state.
type Exporter struct {
	threshold float64
	topN      int
	hidden    []glob.Glob
}

// NewExporter creates an exporter, compiling the hidden-frame patterns.
func NewExporter(opts Options) (*Exporter, error) {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold >= 1 {
		return nil, errors.Errorf("threshold must be in [0, 1), got %v", threshold)
	}

	topN := opts.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	hidden := make([]glob.Glob, 0, len(opts.HiddenFrames))
	for _, pattern := range opts.HiddenFrames {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid hidden-frame pattern %q", pattern)
		}
		hidden = append(hidden, g)
	}

	return &Exporter{threshold: threshold, topN: topN, hidden: hidden}, nil
}

func (e *Exporter) hiddenFrame(function string) bool {
	for _, g := range e.hidden {
		if g.Match(function) {
			return true
		}
	}
	return false
}

// Entries flattens the snapshot into deterministic weighted call stacks:
// descending by bytes, ties broken first by call-stack depth, then by lexical
// order of the frame sequence. Stacks under the threshold are aggregated into
// the BelowThresholdLabel entry; the returned weights sum to the snapshot's
// total.
func (e *Exporter) Entries(snap *snapshot.Snapshot) []Entry {
	if snap == nil {
		return nil
	}

	// merge stacks that collide after hiding frames
	merged := make(map[string]*Entry)
	var order []string
	for _, st := range snap.Stacks() {
		labels := make([]string, 0, len(st.Frames))
		for _, f := range st.Frames {
			if e.hiddenFrame(f.Function) {
				continue
			}
			labels = append(labels, f.Label())
		}
		if len(labels) == 0 {
			labels = []string{BelowThresholdLabel}
		}

		key := strings.Join(labels, "\x00")
		if entry, ok := merged[key]; ok {
			entry.Bytes += st.Bytes
		} else {
			merged[key] = &Entry{Frames: labels, Bytes: st.Bytes}
			order = append(order, key)
		}
	}

	cutoff := uint64(float64(snap.TotalBytes) * e.threshold)
	var out []Entry
	var aggregated uint64
	for _, key := range order {
		entry := merged[key]
		if entry.Bytes < cutoff || entry.Frames[0] == BelowThresholdLabel {
			aggregated += entry.Bytes
			continue
		}
		out = append(out, *entry)
	}
	if aggregated > 0 {
		out = append(out, Entry{Frames: []string{BelowThresholdLabel}, Bytes: aggregated})
	}

	sortEntries(out)

	return out
}

// sortEntries orders entries descending by bytes, ties broken first by
// call-stack depth, then by lexical order of the frame sequence.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Bytes != b.Bytes {
			return a.Bytes > b.Bytes
		}
		if len(a.Frames) != len(b.Frames) {
			return len(a.Frames) < len(b.Frames)
		}
		for k := range a.Frames {
			if a.Frames[k] != b.Frames[k] {
				return a.Frames[k] < b.Frames[k]
			}
		}
		return false
	})
}

// Folded renders the entries in collapsed-stack format, one
// "frame;frame;frame weight" line per distinct call stack, the format
// flamegraph renderers consume. Line order carries no meaning.
func (e *Exporter) Folded(snap *snapshot.Snapshot) string {
	var b strings.Builder
	for _, entry := range e.Entries(snap) {
		for i, frame := range entry.Frames {
			if i > 0 {
				b.WriteByte(';')
			}
			// the separator is reserved by the format
			b.WriteString(strings.ReplaceAll(frame, ";", ","))
		}
		fmt.Fprintf(&b, " %d\n", entry.Bytes)
	}
	return b.String()
}

// Summary renders the descending top-N text table. The header states the
// peak total and whether tracking was degraded or the snapshot incomplete.
func (e *Exporter) Summary(snap *snapshot.Snapshot) string {
	var b strings.Builder

	if snap == nil {
		b.WriteString("No peak snapshot was recorded.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Peak memory: %d bytes at %s\n",
		snap.TotalBytes, snap.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	if snap.Degraded {
		b.WriteString("WARNING: tracking was degraded; some entry points passed through untracked.\n")
	}
	if snap.Incomplete {
		b.WriteString("WARNING: snapshot is incomplete; some tracking events were dropped.\n")
	}
	b.WriteByte('\n')

	entries := e.Entries(snap)
	shown := entries
	if len(shown) > e.topN {
		shown = shown[:e.topN]
	}

	for rank, entry := range shown {
		pct := 0.0
		if snap.TotalBytes > 0 {
			pct = float64(entry.Bytes) / float64(snap.TotalBytes) * 100
		}
		fmt.Fprintf(&b, "#%d: %d bytes (%.1f%%)\n", rank+1, entry.Bytes, pct)
		for _, frame := range entry.Frames {
			fmt.Fprintf(&b, "    %s\n", frame)
		}
	}

	if rest := len(entries) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "... and %d more call stacks\n", rest)
	}

	return b.String()
}
