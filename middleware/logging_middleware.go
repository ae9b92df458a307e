package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"restrpc/message"
)

func Logging(logger *zap.Logger) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []zap.Field{
				zap.String("function", req.Function),
				zap.Uint64("id", req.ID),
				zap.Int("bytes", len(req.Envelope)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("send failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("sent", fields...)
			return nil
		}
	}
}
