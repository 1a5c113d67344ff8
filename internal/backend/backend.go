// Package backend talks to the text-generation service. Every other package
// depends only on the Backend interface; HTTPClient, Mock and Scripted are
// the implementations.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robertguss/serialforge/internal/config"
)

// Stage identifies which part of the system issued a request. It drives
// logging, metrics labels and the mock's canned output.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageScene   Stage = "scene"
	StageRewrite Stage = "rewrite"

	StageCharacterArcs Stage = "character_arcs"
	StagePowerState    Stage = "power_state"
	StageForeshadowing Stage = "foreshadowing"
	StagePacing        Stage = "pacing"
	StageLocations     Stage = "locations"
	StageStoryBible    Stage = "story_bible"
	StageSynopsis      Stage = "synopsis"
	StageArcPlan       Stage = "arc_plan"
)

// Request is one generation call
type Request struct {
	Stage       Stage
	Model       string // overrides the client's configured model when set
	System      string
	Prompt      string
	JSON        bool // ask for a single JSON object
	Temperature float64
	MaxTokens   int

	// Chapter and TargetWords are hints for length and bookkeeping. Real
	// providers only see them through the prompt.
	Chapter     int
	TargetWords int
}

// Response is the generated text plus token usage when the provider reports it
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Backend generates text
type Backend interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// New builds the backend named by cfg.Provider
func New(cfg config.BackendConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderMock:
		return NewMock(), nil
	case config.ProviderOpenAI, config.ProviderAnthropic:
		opts := []Option{
			WithProvider(cfg.Provider),
			WithModel(cfg.Model),
			WithTimeout(cfg.Timeout),
			WithRetry(cfg.MaxRetries),
			WithMaxTokens(cfg.MaxTokens),
			WithLogger(logger),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if cfg.RateLimitRPM > 0 {
			opts = append(opts, WithRateLimit(cfg.RateLimitRPM, cfg.RateLimitBurst))
		}
		return NewHTTPClient(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}
