package watchdog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeImage struct {
	mu  sync.Mutex
	bit bool
}

func (f *fakeImage) ReadStatusBit(byteAddress uint16, bitIndex uint8) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bit, nil
}

func (f *fakeImage) toggle() {
	f.mu.Lock()
	f.bit = !f.bit
	f.mu.Unlock()
}

type fakeKiller struct {
	killed int32
}

func (k *fakeKiller) Kill() error {
	atomic.AddInt32(&k.killed, 1)
	return nil
}

func TestWatchdogFiresOnNoToggle(t *testing.T) {
	img := &fakeImage{}
	k := &fakeKiller{}
	w := New(img, 42)
	w.SetChild(k)
	w.SetTimeout(150 * time.Millisecond)
	defer w.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&k.killed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, w.Triggered())
}

func TestWatchdogSurvivesToggling(t *testing.T) {
	img := &fakeImage{}
	k := &fakeKiller{}
	w := New(img, 42)
	w.SetChild(k)
	w.SetTimeout(200 * time.Millisecond)
	defer w.Stop()

	stop := time.After(600 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(20 * time.Millisecond):
			img.toggle()
		}
	}
	require.Equal(t, int32(0), atomic.LoadInt32(&k.killed))
	require.False(t, w.Triggered())
}

func TestSetTimeoutZeroStops(t *testing.T) {
	img := &fakeImage{}
	w := New(img, 1)
	w.SetTimeout(100 * time.Millisecond)
	w.SetTimeout(0)
	time.Sleep(300 * time.Millisecond)
	require.False(t, w.Triggered())
}

func TestResetClearsTriggered(t *testing.T) {
	img := &fakeImage{}
	k := &fakeKiller{}
	w := New(img, 1)
	w.SetChild(k)
	w.SetTimeout(100 * time.Millisecond)
	require.Eventually(t, func() bool { return w.Triggered() }, 2*time.Second, 10*time.Millisecond)
	w.Reset()
	require.False(t, w.Triggered())
}
