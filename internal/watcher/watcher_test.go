package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/paths"
)

func newWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()

	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	w, err := New(paths.AbsolutePath(resolved), 20*time.Millisecond, logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))

	// Give the OS subscription a moment to settle.
	time.Sleep(50 * time.Millisecond)

	return w, resolved
}

func collectBatch(t *testing.T, w *Watcher) []Event {
	t.Helper()

	select {
	case batch := <-w.Events():
		return batch
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watcher events")
		return nil
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "changed", Changed.String())
	assert.Equal(t, "removed", Removed.String())
}

func TestWatcherSeesNewFile(t *testing.T) {
	w, dir := newWatcher(t)

	path := filepath.Join(dir, "Main.elm")
	require.NoError(t, os.WriteFile(path, []byte("module Main exposing (..)\n"), 0644))

	batch := collectBatch(t, w)
	require.NotEmpty(t, batch)
	assert.Equal(t, Added, batch[0].Kind)
	assert.Equal(t, path, batch[0].Path.String())
}

func TestWatcherSeesChange(t *testing.T) {
	w, dir := newWatcher(t)

	path := filepath.Join(dir, "Main.elm")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0644))
	_ = collectBatch(t, w)

	require.NoError(t, os.WriteFile(path, []byte("two\n"), 0644))

	batch := collectBatch(t, w)
	require.NotEmpty(t, batch)
	assert.Equal(t, path, batch[0].Path.String())
}

func TestWatcherSeesRemoval(t *testing.T) {
	w, dir := newWatcher(t)

	path := filepath.Join(dir, "Main.elm")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0644))
	_ = collectBatch(t, w)

	require.NoError(t, os.Remove(path))

	batch := collectBatch(t, w)
	require.NotEmpty(t, batch)

	found := false
	for _, event := range batch {
		if event.Path.String() == path && event.Kind == Removed {
			found = true
		}
	}
	assert.True(t, found, "expected a Removed event for %s, got %v", path, batch)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	w, dir := newWatcher(t)

	path := filepath.Join(dir, "Main.elm")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('0' + i), '\n'}, 0644))
		time.Sleep(2 * time.Millisecond)
	}

	batch := collectBatch(t, w)

	// A whole burst on one path collapses to one event.
	count := 0
	for _, event := range batch {
		if event.Path.String() == path {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestWatcherWatchesNewDirectories(t *testing.T) {
	w, dir := newWatcher(t)

	sub := filepath.Join(dir, "Pages")
	require.NoError(t, os.Mkdir(sub, 0755))
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "Home.elm")
	require.NoError(t, os.WriteFile(path, []byte("module Pages.Home exposing (..)\n"), 0644))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case batch := <-w.Events():
			for _, event := range batch {
				if event.Path.String() == path {
					return
				}
			}
		case <-deadline:
			t.Fatal("never saw the file inside the new directory")
		}
	}
}

func TestMergeRules(t *testing.T) {
	p := paths.AbsolutePath("/x")

	assert.Equal(t, Added, merge(Event{Kind: Added, Path: p}, Event{Kind: Changed, Path: p}).Kind)
	assert.Equal(t, Removed, merge(Event{Kind: Changed, Path: p}, Event{Kind: Removed, Path: p}).Kind)
	assert.Equal(t, Changed, merge(Event{Kind: Removed, Path: p}, Event{Kind: Added, Path: p}).Kind)
	assert.Equal(t, Changed, merge(Event{Kind: Changed, Path: p}, Event{Kind: Changed, Path: p}).Kind)
}

func TestCloseTwice(t *testing.T) {
	w, _ := newWatcher(t)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
