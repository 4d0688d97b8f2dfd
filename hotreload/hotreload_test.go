package hotreload

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSkipsMissingDirs(t *testing.T) {
	tmp := t.TempDir()

	w, err := Start(Config{Dirs: []string{filepath.Join(tmp, "php"), filepath.Join(tmp, "routes")}})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 0, w.Watched())
}

func TestChangeTriggersOneDebouncedReload(t *testing.T) {
	tmp := t.TempDir()
	phpDir := filepath.Join(tmp, "php")
	require.NoError(t, os.MkdirAll(filepath.Join(phpDir, "controllers"), 0o755))

	var calls atomic.Int32
	var last atomic.Value
	w, err := Start(Config{
		Dirs:       []string{phpDir},
		Extensions: []string{".php"},
		Debounce:   50 * time.Millisecond,
		OnChange: func(path string) {
			calls.Add(1)
			last.Store(path)
		},
	})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, 2, w.Watched())

	target := filepath.Join(phpDir, "controllers", "home.php")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte("<?php // "+string(rune('a'+i))), 0o644))
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, target, last.Load())
}

func TestIgnoredExtensionsDoNotReload(t *testing.T) {
	tmp := t.TempDir()

	var calls atomic.Int32
	w, err := Start(Config{
		Dirs:       []string{tmp},
		Extensions: []string{".php"},
		Debounce:   20 * time.Millisecond,
		OnChange:   func(string) { calls.Add(1) },
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNewDirectoriesAreWatched(t *testing.T) {
	tmp := t.TempDir()

	var calls atomic.Int32
	w, err := Start(Config{
		Dirs:     []string{tmp},
		Debounce: 20 * time.Millisecond,
		OnChange: func(string) { calls.Add(1) },
	})
	require.NoError(t, err)
	defer w.Close()

	sub := filepath.Join(tmp, "app")
	require.NoError(t, os.Mkdir(sub, 0o755))
	assert.Eventually(t, func() bool { return w.Watched() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "x.php"), []byte("<?php"), 0o644))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := Start(Config{Dirs: []string{t.TempDir()}})
	require.NoError(t, err)

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
