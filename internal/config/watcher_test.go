package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

func TestNewWatcher(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, path, w.Path())
	assert.Equal(t, DefaultDebounce, w.debounce)
}

func TestNewWatcher_WithOptions(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	w, err := NewWatcher(filepath.Join(t.TempDir(), "x.yaml"), nil,
		WithDebounceDelay(5*time.Millisecond),
		WithLogger(observability.NopLogger()),
		WithErrorCallback(func(error) { called.Store(true) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, 5*time.Millisecond, w.debounce)
	w.fail("boom", errors.New("x"))
	assert.True(t, called.Load())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(p string) error {
		assert.Equal(t, path, p)
		reloads.Add(1)
		return nil
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o600))

	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(string) error {
		reloads.Add(1)
		return nil
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 1\n"), 0o600))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}

func TestWatcher_ReloadErrorCallback(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	errCh := make(chan error, 4)
	w, err := NewWatcher(path, func(string) error { return errors.New("bad table") },
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(err error) {
			select {
			case errCh <- err:
			default:
			}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("a: 3\n"), 0o600))

	select {
	case err := <-errCh:
		assert.EqualError(t, err, "bad table")
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not invoked")
	}
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(string) error {
		reloads.Add(1)
		return nil
	}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, reloads.Load())

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o600))
	assert.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_StartTwiceAndStop(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "x.yaml"), nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "x.yaml"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Stop())
}
