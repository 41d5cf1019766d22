// Package scoring holds the clients for the external scoring service and the
// error taxonomy they report.
package scoring

import (
	"fmt"

	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// NewEngine constructs the scoring engine selected by config.
// Called once at worker startup.
func NewEngine(cfg config.ScoringConfig) (models.ScoringEngine, error) {
	switch cfg.Engine {
	case "http":
		return NewHTTPEngine(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case "mock":
		return NewStaticEngine(), nil
	default:
		return nil, fmt.Errorf("unknown scoring engine %q: must be one of http, mock", cfg.Engine)
	}
}
