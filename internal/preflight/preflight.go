// Package preflight checks the environment before the server starts taking jobs.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/genre"
)

// CheckResult represents the result of a single pre-flight check
type CheckResult struct {
	Name    string
	Passed  bool
	Warning bool // a failed warning does not block startup
	Message string
	Error   string
}

// Results holds all pre-flight check results
type Results struct {
	Checks  []CheckResult
	AllPass bool
}

// RunAll executes all pre-flight checks
func RunAll(cfg *config.Config) *Results {
	results := &Results{
		Checks:  make([]CheckResult, 0),
		AllPass: true,
	}

	results.addCheck(checkWritableDir("Data Directory", cfg.DataDir))
	results.addCheck(checkWritableDir("Database Directory", filepath.Dir(cfg.Storage.DatabasePath)))
	results.addCheck(checkBackend(cfg.Backend))
	results.addCheck(checkGenres(cfg.Genres))
	results.addCheck(checkAPIKey(cfg.Server))

	return results
}

// addCheck adds a check result and updates AllPass
func (r *Results) addCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	if !check.Passed && !check.Warning {
		r.AllPass = false
	}
}

// PassedCount returns the number of passed checks
func (r *Results) PassedCount() int {
	count := 0
	for _, check := range r.Checks {
		if check.Passed {
			count++
		}
	}
	return count
}

// FailedChecks returns only the failed checks, warnings included
func (r *Results) FailedChecks() []CheckResult {
	failed := make([]CheckResult, 0)
	for _, check := range r.Checks {
		if !check.Passed {
			failed = append(failed, check)
		}
	}
	return failed
}

// Blockers returns the failed checks that are not warnings
func (r *Results) Blockers() []CheckResult {
	blockers := make([]CheckResult, 0)
	for _, check := range r.Checks {
		if !check.Passed && !check.Warning {
			blockers = append(blockers, check)
		}
	}
	return blockers
}

// checkWritableDir creates dir if needed and proves a file can be written in it
func checkWritableDir(name, dir string) CheckResult {
	result := CheckResult{Name: name}

	if dir == "" {
		result.Error = "No directory configured"
		return result
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		result.Error = fmt.Sprintf("Cannot create %s: %v", dir, err)
		return result
	}

	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		result.Error = fmt.Sprintf("Not writable: %s", dir)
		return result
	}
	tmp := f.Name()
	f.Close()
	os.Remove(tmp)

	result.Passed = true
	result.Message = dir
	return result
}

// checkBackend verifies the generation backend has what it needs to authenticate
func checkBackend(cfg config.BackendConfig) CheckResult {
	result := CheckResult{Name: "Generation Backend"}

	switch {
	case cfg.Provider == config.ProviderMock:
		result.Passed = true
		result.Message = "mock backend, no model calls"
	case strings.TrimSpace(cfg.APIKey) == "":
		result.Error = fmt.Sprintf("No API key for provider %s", cfg.Provider)
	case cfg.Model == "":
		result.Error = fmt.Sprintf("No model configured for provider %s", cfg.Provider)
	default:
		result.Passed = true
		result.Message = fmt.Sprintf("%s (%s)", cfg.Provider, cfg.Model)
	}
	return result
}

// checkGenres loads the rule files. Missing or invalid files only warn: the
// built-in rules still apply.
func checkGenres(cfg config.GenresConfig) CheckResult {
	result := CheckResult{Name: "Genre Rules", Warning: true}

	if cfg.Dir == "" {
		result.Passed = true
		result.Message = "built-in rules only"
		return result
	}

	info, err := os.Stat(cfg.Dir)
	if err == nil && !info.IsDir() {
		result.Warning = false
		result.Error = fmt.Sprintf("Not a directory: %s", cfg.Dir)
		return result
	}

	store := genre.NewStore(cfg.Dir)
	skipped, err := store.Load()
	if err != nil {
		result.Warning = false
		result.Error = err.Error()
		return result
	}
	if len(skipped) > 0 {
		names := make([]string, len(skipped))
		for i, path := range skipped {
			names[i] = filepath.Base(path)
		}
		result.Error = fmt.Sprintf("Invalid rule files skipped: %s", strings.Join(names, ", "))
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("%d genres", len(store.List()))
	return result
}

// checkAPIKey warns when the REST API would accept unauthenticated requests
func checkAPIKey(cfg config.ServerConfig) CheckResult {
	result := CheckResult{Name: "API Key", Warning: true}

	switch {
	case !cfg.Enabled:
		result.Passed = true
		result.Message = "API disabled"
	case cfg.APIKey == "":
		result.Error = "API is open: no api_key configured"
	default:
		result.Passed = true
		result.Message = "Configured"
	}
	return result
}
