package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	l, ms := newLoader(t)
	dir := t.TempDir()

	w, err := NewWatcher(dir, l, 50*time.Millisecond, nil)
	require.NoError(t, err)
	reports := make(chan *Report, 8)
	w.OnReload = func(r *Report, err error) {
		if err == nil {
			reports <- r
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// The watch is registered asynchronously; keep touching the file until a
	// reload is observed.
	var got *Report
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "age.yaml"), []byte(ageYAML), 0o644)
		select {
		case got = <-reports:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
	assert.Contains(t, got.Loaded, "age_check")

	_, err = ms.GetWorkflow(context.Background(), "age_check")
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	require.NoError(t, <-done)
	require.NoError(t, w.Stop())
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	l, _ := newLoader(t)
	w, err := NewWatcher(t.TempDir(), l, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	require.NoError(t, w.Stop())
}

func TestWatcher_MissingDirectory(t *testing.T) {
	l, _ := newLoader(t)
	w, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), l, 0, nil)
	require.NoError(t, err)
	defer w.Stop()

	err = w.Watch(context.Background())
	require.Error(t, err)
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"yaml write", fsnotify.Event{Name: "/c/a.yaml", Op: fsnotify.Write}, true},
		{"json create", fsnotify.Event{Name: "/c/a.JSON", Op: fsnotify.Create}, true},
		{"remove", fsnotify.Event{Name: "/c/a.yml", Op: fsnotify.Remove}, true},
		{"chmod only", fsnotify.Event{Name: "/c/a.yaml", Op: fsnotify.Chmod}, false},
		{"hidden", fsnotify.Event{Name: "/c/.a.yaml", Op: fsnotify.Write}, false},
		{"other extension", fsnotify.Event{Name: "/c/a.txt", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevant(tt.ev))
		})
	}
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	var calls, last atomic.Int32
	for i := int32(1); i <= 5; i++ {
		n := i
		d.Trigger(func() {
			calls.Add(1)
			last.Store(n)
		})
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(5), last.Load())
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
