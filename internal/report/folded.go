package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseFolded reads collapsed-stack lines back into entries. It accepts the
// output of Folded: one "frame;frame;frame weight" line per call stack.
func ParseFolded(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sep := strings.LastIndexByte(line, ' ')
		if sep < 0 {
			return nil, errors.Errorf("line %d: missing weight: %q", lineNo, line)
		}

		bytes, err := strconv.ParseUint(line[sep+1:], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid weight", lineNo)
		}

		entries = append(entries, Entry{
			Frames: strings.Split(line[:sep], ";"),
			Bytes:  bytes,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read folded input")
	}
	return entries, nil
}

// Table renders parsed entries as a descending top-N table, the same row
// format Summary uses. Percentages are relative to the sum of all weights.
func Table(entries []Entry, topN int) string {
	if topN <= 0 {
		topN = DefaultTopN
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sortEntries(sorted)

	var total uint64
	for _, entry := range sorted {
		total += entry.Bytes
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Peak memory: %d bytes\n\n", total)

	shown := sorted
	if len(shown) > topN {
		shown = shown[:topN]
	}
	for rank, entry := range shown {
		pct := 0.0
		if total > 0 {
			pct = float64(entry.Bytes) / float64(total) * 100
		}
		fmt.Fprintf(&b, "#%d: %d bytes (%.1f%%)\n", rank+1, entry.Bytes, pct)
		for _, frame := range entry.Frames {
			fmt.Fprintf(&b, "    %s\n", frame)
		}
	}
	if rest := len(sorted) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "... and %d more call stacks\n", rest)
	}
	return b.String()
}
