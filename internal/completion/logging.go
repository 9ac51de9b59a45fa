package completion

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type loggingGateway struct {
	next   Gateway
	name   string
	logger *zap.Logger
}

// WithLogging logs the latency and failure kind of every call made through g.
func WithLogging(g Gateway, name string, logger *zap.Logger) Gateway {
	return &loggingGateway{next: g, name: name, logger: logger}
}

func (l *loggingGateway) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := l.next.Complete(ctx, req)
	fields := []zap.Field{
		zap.String("gateway", l.name),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("history", len(req.History)),
		zap.Bool("json", req.JSON),
	}
	if err != nil {
		l.logger.Warn("completion failed", append(fields, zap.Stringer("kind", KindOf(err)), zap.Error(err))...)
		return "", err
	}
	l.logger.Debug("completion succeeded", append(fields, zap.Int("chars", len(out)))...)
	return out, nil
}
