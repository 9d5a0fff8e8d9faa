package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	calls    atomic.Int32
	failures int32
}

func (f *fakeSyncer) Sync() error {
	n := f.calls.Add(1)
	if n <= f.failures {
		return errors.New("transient failure")
	}
	return nil
}

// fakeIdler blocks until poked or cancelled.
type fakeIdler struct {
	wake chan struct{}
}

func newFakeIdler() *fakeIdler {
	return &fakeIdler{wake: make(chan struct{}, 1)}
}

func (f *fakeIdler) Idle(ctx context.Context, keepalive time.Duration) error {
	select {
	case <-f.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeNotifier struct {
	events chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan struct{}, 1)}
}

func (f *fakeNotifier) Events() <-chan struct{} { return f.events }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger.WithField("mailbox", "INBOX")
}

func TestMonitorOneShot(t *testing.T) {
	syncer := &fakeSyncer{}
	monitor := NewMonitor(syncer, newFakeIdler(), nil, time.Minute, time.Millisecond, false, testLogger())

	err := monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), syncer.calls.Load())
}

func TestMonitorResyncsOnRemoteActivity(t *testing.T) {
	syncer := &fakeSyncer{}
	idler := newFakeIdler()
	monitor := NewMonitor(syncer, idler, newFakeNotifier(), time.Minute, time.Millisecond, true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	idler.wake <- struct{}{}
	require.Eventually(t, func() bool {
		return syncer.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestMonitorResyncsOnLocalActivity(t *testing.T) {
	syncer := &fakeSyncer{}
	notifier := newFakeNotifier()
	monitor := NewMonitor(syncer, newFakeIdler(), notifier, time.Minute, time.Millisecond, true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	notifier.events <- struct{}{}
	require.Eventually(t, func() bool {
		return syncer.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestMonitorRetriesTransientFailures(t *testing.T) {
	syncer := &fakeSyncer{failures: 2}
	monitor := NewMonitor(syncer, newFakeIdler(), nil, time.Minute, time.Millisecond, false, testLogger())

	err := monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), syncer.calls.Load())
}

func TestMonitorGivesUpAfterRepeatedFailures(t *testing.T) {
	syncer := &fakeSyncer{failures: 100}
	monitor := NewMonitor(syncer, newFakeIdler(), nil, time.Minute, time.Millisecond, false, testLogger())

	err := monitor.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(passRetries), syncer.calls.Load())
}

func TestMonitorStopsOnCancel(t *testing.T) {
	syncer := &fakeSyncer{}
	monitor := NewMonitor(syncer, newFakeIdler(), newFakeNotifier(), time.Minute, time.Millisecond, true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		return syncer.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
