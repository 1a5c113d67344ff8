package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/testutil"
)

func TestResults_PassedCount(t *testing.T) {
	tests := []struct {
		name     string
		checks   []CheckResult
		expected int
	}{
		{
			name:     "all passed",
			checks:   []CheckResult{{Passed: true}, {Passed: true}, {Passed: true}},
			expected: 3,
		},
		{
			name:     "some failed",
			checks:   []CheckResult{{Passed: true}, {Passed: false}, {Passed: true}},
			expected: 2,
		},
		{
			name:     "empty",
			checks:   []CheckResult{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Results{Checks: tt.checks}
			assert.Equal(t, tt.expected, r.PassedCount())
		})
	}
}

func TestResults_AddCheck(t *testing.T) {
	t.Run("failed check blocks", func(t *testing.T) {
		r := &Results{AllPass: true}
		r.addCheck(CheckResult{Name: "Failed", Passed: false})

		assert.False(t, r.AllPass)
		assert.Len(t, r.Blockers(), 1)
	})

	t.Run("failed warning does not block", func(t *testing.T) {
		r := &Results{AllPass: true}
		r.addCheck(CheckResult{Name: "Genre Rules", Passed: false, Warning: true})

		assert.True(t, r.AllPass)
		assert.Empty(t, r.Blockers())
		assert.Len(t, r.FailedChecks(), 1)
	})

	t.Run("passing check", func(t *testing.T) {
		r := &Results{AllPass: true}
		r.addCheck(CheckResult{Name: "Passed", Passed: true})

		assert.True(t, r.AllPass)
		assert.Len(t, r.Checks, 1)
	})
}

func TestCheckWritableDir(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(testutil.CreateTempDir(t), "nested", "data")
		result := checkWritableDir("Data Directory", dir)

		assert.True(t, result.Passed, result.Error)
		assert.DirExists(t, dir)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "probe file is removed")
	})

	t.Run("empty path", func(t *testing.T) {
		result := checkWritableDir("Data Directory", "")
		assert.False(t, result.Passed)
	})

	t.Run("path is a file", func(t *testing.T) {
		file := testutil.CreateTempFile(t, "x")
		result := checkWritableDir("Data Directory", file)
		assert.False(t, result.Passed)
		assert.NotEmpty(t, result.Error)
	})
}

func TestCheckBackend(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.BackendConfig
		passed bool
	}{
		{"mock needs nothing", config.BackendConfig{Provider: config.ProviderMock}, true},
		{"openai with key", config.BackendConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o", APIKey: "sk"}, true},
		{"openai without key", config.BackendConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o"}, false},
		{"blank key", config.BackendConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o", APIKey: "  "}, false},
		{"no model", config.BackendConfig{Provider: config.ProviderOpenAI, APIKey: "sk"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checkBackend(tt.cfg)
			assert.Equal(t, tt.passed, result.Passed, result.Error)
			assert.False(t, result.Warning)
		})
	}
}

func TestCheckGenres(t *testing.T) {
	t.Run("valid rules", func(t *testing.T) {
		dir := testutil.CreateTempDir(t)
		testutil.CreateTempFileInDir(t, dir, "fantasy.yaml", testutil.TestGenreYAML())

		result := checkGenres(config.GenresConfig{Dir: dir})
		assert.True(t, result.Passed, result.Error)
		assert.Equal(t, "2 genres", result.Message)
	})

	t.Run("invalid file warns", func(t *testing.T) {
		dir := testutil.CreateTempDir(t)
		testutil.CreateTempFileInDir(t, dir, "broken.yaml", testutil.MalformedYAML())

		result := checkGenres(config.GenresConfig{Dir: dir})
		assert.False(t, result.Passed)
		assert.True(t, result.Warning)
		assert.Contains(t, result.Error, "broken.yaml")
	})

	t.Run("no directory configured", func(t *testing.T) {
		result := checkGenres(config.GenresConfig{})
		assert.True(t, result.Passed)
	})

	t.Run("path is a file blocks", func(t *testing.T) {
		result := checkGenres(config.GenresConfig{Dir: testutil.CreateTempFile(t, "x")})
		assert.False(t, result.Passed)
		assert.False(t, result.Warning)
	})
}

func TestCheckAPIKey(t *testing.T) {
	assert.True(t, checkAPIKey(config.ServerConfig{Enabled: false}).Passed)
	assert.True(t, checkAPIKey(config.ServerConfig{Enabled: true, APIKey: "k"}).Passed)

	open := checkAPIKey(config.ServerConfig{Enabled: true})
	assert.False(t, open.Passed)
	assert.True(t, open.Warning)
}

func TestRunAll(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	cfg.Server.APIKey = "k"

	results := RunAll(cfg)

	assert.True(t, results.AllPass, "%+v", results.FailedChecks())
	assert.Len(t, results.Checks, 5)
	assert.Equal(t, 5, results.PassedCount())

	t.Run("unwritable database directory blocks", func(t *testing.T) {
		cfg := testutil.NewTestConfig(t)
		cfg.Storage.DatabasePath = filepath.Join(testutil.CreateTempFile(t, "x"), "db.sqlite")

		results := RunAll(cfg)
		assert.False(t, results.AllPass)
		require.Len(t, results.Blockers(), 1)
		assert.Equal(t, "Database Directory", results.Blockers()[0].Name)
	})
}
