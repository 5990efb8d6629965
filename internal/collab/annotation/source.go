package annotation

import (
	"context"
	"fmt"
	"time"

	"github.com/amoylab/collab/internal/common/config"
)

// Summary counts the review annotations of a page
type Summary struct {
	Count      int
	Components []string
}

// Source computes the annotation summary of a page
type Source interface {
	Summary(ctx context.Context, page string) (Summary, error)
}

// Nop reports no annotations
type Nop struct{}

var _ Source = Nop{}

// Summary implements Source.Summary
func (Nop) Summary(context.Context, string) (Summary, error) {
	return Summary{}, nil
}

// NewSource creates a Source based on configuration
func NewSource(cfg *config.AnnotationsConfig) (Source, error) {
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("annotations base_url is required for type http")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return NewHTTPSource(cfg.BaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported annotations type: %s", cfg.Type)
	}
}
