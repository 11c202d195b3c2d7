package callstack

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callerPC(t *testing.T) uintptr {
	t.Helper()
	pc, _, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return pc
}

func TestCollector_StartupSentinel(t *testing.T) {
	c := NewCollector(DefaultMaxDepth)

	tc := NewThreadChain()
	tc.PushCall("main", "app.py", 1)

	// interpreter not marked ready yet
	raw := c.Capture(tc, callerPC(t), 1)
	require.Len(t, raw.Frames, 1)
	assert.Equal(t, StartupFrame(), raw.Frames[0])
	assert.False(t, raw.Truncated)
}

func TestCollector_CapturesInterpretedChain(t *testing.T) {
	c := NewCollector(DefaultMaxDepth)
	c.MarkInterpreterReady()

	tc := NewThreadChain()
	tc.PushCall("main", "app.py", 1)
	tc.PushCall("foo", "app.py", 10)

	raw := c.Capture(tc, callerPC(t), 7)
	require.Len(t, raw.Frames, 2)
	assert.Equal(t, "main", raw.Frames[0].Function)
	assert.Equal(t, "foo", raw.Frames[1].Function)
	assert.Equal(t, uint64(7), raw.ThreadID)
	assert.False(t, raw.Truncated)
}

func TestCollector_NativeOrigin(t *testing.T) {
	c := NewCollector(DefaultMaxDepth)
	c.MarkInterpreterReady()

	raw := c.Capture(NewThreadChain(), callerPC(t), 1)
	require.Len(t, raw.Frames, 1)
	assert.True(t, raw.Frames[0].Native)
	assert.Contains(t, raw.Frames[0].Function, "callstack")

	// nil chain behaves like an empty one
	raw = c.Capture(nil, callerPC(t), 1)
	require.Len(t, raw.Frames, 1)
	assert.True(t, raw.Frames[0].Native)
}

func TestCollector_UnresolvablePC(t *testing.T) {
	c := NewCollector(DefaultMaxDepth)
	c.MarkInterpreterReady()

	raw := c.Capture(nil, 0, 1)
	require.Len(t, raw.Frames, 1)
	assert.Equal(t, "<native>", raw.Frames[0].Function)
}

func TestCollector_DepthBound(t *testing.T) {
	c := NewCollector(3)
	c.MarkInterpreterReady()

	tc := NewThreadChain()
	tc.PushCall("main", "app.py", 1)
	tc.PushCall("a", "app.py", 2)
	tc.PushCall("b", "app.py", 3)
	tc.PushCall("c", "app.py", 4)
	tc.PushCall("leaf", "app.py", 5)

	raw := c.Capture(tc, callerPC(t), 1)
	require.True(t, raw.Truncated)
	require.Len(t, raw.Frames, 3)

	// the leaf-most frames survive truncation
	assert.Equal(t, "b", raw.Frames[0].Function)
	assert.Equal(t, "leaf", raw.Frames[2].Function)
}

func TestCollector_InternAddsTruncationMarker(t *testing.T) {
	c := NewCollector(2)
	c.MarkInterpreterReady()
	in := NewInterner()

	tc := NewThreadChain()
	tc.PushCall("main", "app.py", 1)
	tc.PushCall("a", "app.py", 2)
	tc.PushCall("leaf", "app.py", 3)

	cs := c.Intern(in, c.Capture(tc, callerPC(t), 1))
	require.True(t, cs.Truncated)
	require.Equal(t, 3, cs.Depth())

	root, ok := in.Lookup(cs.Frames[0])
	require.True(t, ok)
	assert.Equal(t, TruncatedFrame(), root)
}

func TestCollector_InternIsStable(t *testing.T) {
	c := NewCollector(DefaultMaxDepth)
	c.MarkInterpreterReady()
	in := NewInterner()

	tc := NewThreadChain()
	tc.PushCall("main", "app.py", 1)
	tc.PushCall("foo", "app.py", 10)

	first := c.Intern(in, c.Capture(tc, callerPC(t), 1))
	second := c.Intern(in, c.Capture(tc, callerPC(t), 1))

	assert.Equal(t, first.Frames, second.Frames)
	assert.Equal(t, 2, in.Len())
}
