// Package version exposes the memtrail build identity embedded at compile
// time from the VERSION and COMMIT files.
package version

import (
	"strings"

	_ "embed"
)

//go:embed COMMIT
var commit string

//go:embed VERSION
var number string

// Commit returns the source revision this binary was built from.
func Commit() string {
	return strings.TrimSpace(commit)
}

// Number returns the release version.
func Number() string {
	return strings.TrimSpace(number)
}
