// Package logging provides structured logging on top of zap with optional
// OpenTelemetry export.
//
// The Logger adds:
//   - a Trace level (-2) used for wire payload dumps
//   - stdout and OTEL outputs through the otelzap bridge
//   - trace, session and request correlation fields taken from the context
//   - redaction of credential fields such as the remote app API key
//   - per-level sampling where Error and above are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, id)
//	logger.Info(ctx, "session committed", zap.Int("keys", n))
//
// Protocol packages take a *zap.Logger; pass Underlying().
//
// Tests use NewTestLogger and its Assert helpers.
package logging
