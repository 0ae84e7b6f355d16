package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "submission-engine"

// NewLogger builds the JSON production logger every binary uses.
func NewLogger(level string) (*zap.Logger, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.InitialFields = map[string]any{"service": serviceName}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// logScope is what a context knows about the job and batch it serves.
type logScope struct {
	jobID      string
	batchIndex int
	hasBatch   bool
}

type logScopeKey struct{}

func scopeFrom(ctx context.Context) logScope {
	if ctx == nil {
		return logScope{}
	}
	scope, _ := ctx.Value(logScopeKey{}).(logScope)
	return scope
}

// WithJobID tags ctx so that loggers derived from it carry the job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	scope := scopeFrom(ctx)
	scope.jobID = jobID
	return context.WithValue(ctx, logScopeKey{}, scope)
}

// WithBatchIndex narrows ctx to one batch of the job.
func WithBatchIndex(ctx context.Context, index int) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	scope := scopeFrom(ctx)
	scope.batchIndex = index
	scope.hasBatch = true
	return context.WithValue(ctx, logScopeKey{}, scope)
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	scope := scopeFrom(ctx)
	return scope.jobID, scope.jobID != ""
}

func BatchIndexFromContext(ctx context.Context) (int, bool) {
	scope := scopeFrom(ctx)
	return scope.batchIndex, scope.hasBatch
}

// WithContextLogger adds the job id and batch index found in ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	scope := scopeFrom(ctx)
	fields := make([]zap.Field, 0, 2)
	if scope.jobID != "" {
		fields = append(fields, zap.String("jobId", scope.jobID))
	}
	if scope.hasBatch {
		fields = append(fields, zap.Int("batchIndex", scope.batchIndex))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
