package middleware

import (
	"go.uber.org/zap"

	"unary-rpc/dispatch"
	"unary-rpc/status"
)

// Logging returns an observer that writes one log entry per completed call:
// Debug for successes and cancellations, Warn for other failures.
func Logging(log *zap.Logger) dispatch.Observer {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("access")
	return func(rep dispatch.Report) {
		fields := []zap.Field{
			zap.String("service", rep.Service),
			zap.String("method", rep.Method),
			zap.Stringer("code", rep.Code),
			zap.Duration("duration", rep.Duration),
		}
		switch rep.Code {
		case status.OK:
			log.Debug("call completed", fields...)
		case status.Canceled:
			log.Debug("call cancelled", fields...)
		default:
			log.Warn("call failed", append(fields, zap.String("error", rep.Err.Message))...)
		}
	}
}
