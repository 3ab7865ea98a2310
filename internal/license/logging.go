package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/2sic/resizer/internal/infrastructure"
)

// actionLogger writes the component/action/result triple every license log
// line carries.
type actionLogger struct {
	logger    *slog.Logger
	component string
}

func newActionLogger(logger *slog.Logger, component string) actionLogger {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return actionLogger{logger: logger, component: component}
}

func (l actionLogger) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("component", l.component),
		slog.String("action", action),
		slog.String("result", result),
	}
	if traceID := infrastructure.TraceIDFromContext(ctx); traceID != "" {
		allAttrs = append(allAttrs, slog.String("otel_trace_id", traceID))
	}
	allAttrs = append(allAttrs, attrs...)

	l.logger.LogAttrs(ctx, level, result, allAttrs...)
}

func (l actionLogger) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (l actionLogger) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (l actionLogger) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (l actionLogger) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelError, action, result, attrs...)
}

// MaskLicenseID keeps the first and last four characters of a license id.
func MaskLicenseID(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "****" + id[len(id)-4:]
}

// hashLicenseID gives a stable short hash for correlating audit lines.
func hashLicenseID(id string) string {
	if id == "" {
		return ""
	}
	h := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", h)[:16]
}

func licenseAttrs(id string) []slog.Attr {
	return []slog.Attr{
		slog.String("license_id_masked", MaskLicenseID(id)),
		slog.String("license_id_hash", hashLicenseID(id)),
	}
}
