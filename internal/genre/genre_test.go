package genre

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/logging"
	"github.com/robertguss/serialforge/internal/testutil"
)

func TestStore_Load(t *testing.T) {
	t.Run("creates genre directory if not exists", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "genres")
		store := NewStore(dir)

		_, err := store.Load()
		require.NoError(t, err)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, []string{DefaultName}, store.List())
	})

	t.Run("loads rules from files", func(t *testing.T) {
		dir := t.TempDir()
		testutil.CreateTempFileInDir(t, dir, "litrpg.yaml", testutil.TestGenreYAML())

		store := NewStore(dir)
		skipped, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, skipped)

		r := store.Get("LitRPG")
		assert.Equal(t, "litrpg", r.Name)
		assert.Equal(t, 1500, r.TargetWordCount)
		assert.Equal(t, 0.8, r.Temperature)
		assert.Equal(t, []string{"a chill ran down", "little did"}, r.BannedPhrases)
		assert.Equal(t, []int{4, 5, 7, 9}, r.TensionCurve)
	})

	t.Run("skips invalid files and uses filename as name", func(t *testing.T) {
		dir := t.TempDir()
		testutil.CreateTempFileInDir(t, dir, "broken.yaml", testutil.MalformedYAML())
		testutil.CreateTempFileInDir(t, dir, "cozy.yaml", "style_notes: warm\n")

		store := NewStore(dir)
		skipped, err := store.Load()
		require.NoError(t, err)

		assert.Len(t, skipped, 1)
		assert.True(t, store.Has("cozy"))
		assert.False(t, store.Has("broken"))
	})
}

func TestStore_Get(t *testing.T) {
	store := NewStore(t.TempDir())

	r := store.Get("unknown-genre")
	assert.Equal(t, DefaultName, r.Name)
	assert.NotEmpty(t, r.BannedPhrases)
}

func TestStore_Save(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(&Rules{Name: "noir", POV: "first"}))
	assert.Equal(t, "first", store.Get("noir").POV)
	assert.FileExists(t, filepath.Join(dir, "noir.yaml"))

	tests := []struct {
		name string
	}{
		{""},
		{"../escape"},
		{"a/b"},
		{".hidden"},
		{DefaultName},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			assert.Error(t, store.Save(&Rules{Name: tt.name}))
		})
	}
}

func TestRules_TensionFor(t *testing.T) {
	r := &Rules{TensionCurve: []int{2, 4, 6, 8}}

	assert.Equal(t, 2, r.TensionFor(1, 20))
	assert.Equal(t, 4, r.TensionFor(6, 20))
	assert.Equal(t, 8, r.TensionFor(20, 20))
	assert.Equal(t, 2, r.TensionFor(21, 20))
	assert.Equal(t, 0, (&Rules{}).TensionFor(5, 20))
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	_, err := store.Load()
	require.NoError(t, err)

	w := NewWatcher(store, 20*time.Millisecond, logging.Discard())
	reloaded := make(chan struct{}, 4)
	w.OnReload(func() { reloaded <- struct{}{} })

	require.NoError(t, w.Start())
	assert.True(t, w.IsRunning())
	defer w.Stop()

	testutil.CreateTempFileInDir(t, dir, "litrpg.yaml", testutil.TestGenreYAML())

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	assert.True(t, store.Has("litrpg"))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}
