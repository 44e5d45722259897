package log

import (
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger builds the process-wide zap logger. Production config in
// production, colored development config everywhere else.
func NewLogger() (*zap.Logger, error) {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
