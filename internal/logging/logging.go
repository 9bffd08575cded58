package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the JSON production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	return build(level, nil)
}

// NewNodeLogger is NewLogger with every entry tagged by the node id.
func NewNodeLogger(level, nodeID string) (*zap.Logger, error) {
	var fields map[string]any
	if nodeID != "" {
		fields = map[string]any{"node_id": nodeID}
	}
	return build(level, fields)
}

func build(level string, fields map[string]any) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.InitialFields = fields
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.Sampling = nil
	return cfg.Build()
}

// ParseLevel maps a case-insensitive level name to a zap level. An empty
// name is info.
func ParseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}
