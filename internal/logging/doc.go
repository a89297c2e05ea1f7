// Package logging provides structured logging for accord.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stderr output plus optional OpenTelemetry output through otelzap
//   - correlation fields pulled from context (trace, orchestration,
//     session, debate, request)
//   - level-aware sampling (errors never sampled)
//
// Create a logger from config:
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithOrchestrationID(ctx, state.ID)
//	logger.Info(ctx, "phase changed", zap.String("to", string(phase)))
//
// Components accept a plain *zap.Logger (Logger.Underlying) and name it after
// themselves, so a nil logger anywhere means zap.NewNop.
package logging
