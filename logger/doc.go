// Package logger builds the application's zap logger.
//
// Two modes are supported: "production" emits JSON with ISO8601
// timestamps for log shipping, "development" emits colored console
// output for a human at a terminal. The level accepts any name zapcore
// understands.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	log.Info("service started", zap.Int("port", port))
package logger
