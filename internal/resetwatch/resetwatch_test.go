package resetwatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/revpi/revpiloadd/internal/procimage"
	"github.com/stretchr/testify/require"
)

type scriptedBlocker struct {
	events chan [2]byte
	stop   chan struct{}
}

func (s *scriptedBlocker) BlockForReset() ([2]byte, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.stop:
		return [2]byte{}, nil
	}
}

func TestWatcherFiresCallbacksAndEdgeFlag(t *testing.T) {
	b := &scriptedBlocker{events: make(chan [2]byte, 1), stop: make(chan struct{})}
	w := New(b)
	var calls int32
	w.OnReset(func(status [2]byte) { atomic.AddInt32(&calls, 1) })
	w.Start()
	defer func() {
		close(b.stop)
		w.Stop()
	}()

	b.events <- [2]byte{1, 2}
	require.Eventually(t, func() bool { return w.Triggered() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)

	// edge flag: consuming it clears it until the next event
	require.False(t, w.Triggered())
}

type unsupportedBlocker struct{}

func (unsupportedBlocker) BlockForReset() ([2]byte, error) {
	return [2]byte{}, procimage.ErrIoctlUnsupported
}

func TestWatcherFallsBackWhenUnsupported(t *testing.T) {
	w := New(unsupportedBlocker{})
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Fallback() }, time.Second, 5*time.Millisecond)
	require.True(t, w.Triggered())
	require.True(t, w.Triggered()) // unconditional, not an edge, once in fallback
}
