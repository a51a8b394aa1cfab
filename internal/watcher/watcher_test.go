package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingInvalidator) Invalidate(sourcePath string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, sourcePath)
	return 1
}

func (r *recordingInvalidator) seen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.paths {
		if p == path {
			return true
		}
	}
	return false
}

type stubIndex struct {
	root string
}

func (s stubIndex) Scan() error {
	return nil
}

func (s stubIndex) RelPath(fullPath string) (string, error) {
	rel, err := filepath.Rel(s.root, fullPath)
	return filepath.ToSlash(rel), err
}

func startWatcher(t *testing.T, dir string, inv Invalidator) *Watcher {
	t.Helper()
	w, err := New(dir, inv, stubIndex{root: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestWatcher_InvalidatesChangedImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("v1"), 0644))

	inv := &recordingInvalidator{}
	w := startWatcher(t, dir, inv)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("v2"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	assert.Eventually(t, func() bool { return inv.seen("a.png") }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return w.Rescans() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, inv.seen("notes.txt"))
}

func TestWatcher_VariantChangeInvalidatesBase(t *testing.T) {
	dir := t.TempDir()
	inv := &recordingInvalidator{}
	startWatcher(t, dir, inv)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "icon@2x.png"), []byte("v1"), 0644))

	assert.Eventually(t, func() bool { return inv.seen("icon.png") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, inv.seen("icon@2x.png"))
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	inv := &recordingInvalidator{}
	startWatcher(t, dir, inv)

	sub := filepath.Join(dir, "scans")
	require.NoError(t, os.Mkdir(sub, 0755))

	// The new directory is added asynchronously; keep writing until an event lands
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(sub, "b.tif"), []byte("x"), 0644)
		return inv.seen("scans/b.tif")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), &recordingInvalidator{}, stubIndex{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
