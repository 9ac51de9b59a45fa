package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the unary method served by a completion sidecar. Request
// and response are google.protobuf.Struct values.
const CompleteMethod = "/reclass.completion.v1.Completion/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the sidecar connection.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default connection settings for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCGateway forwards completions to a sidecar model service.
type GRPCGateway struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// DialGRPC connects to the sidecar and waits until the channel is ready.
func DialGRPC(cfg GRPCConfig, logger *zap.Logger) (*GRPCGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create completion client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("completion service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to completion service", zap.String("address", cfg.Address))
	return NewGRPC(conn, logger), nil
}

// NewGRPC wraps an existing connection.
func NewGRPC(conn *grpc.ClientConn, logger *zap.Logger) *GRPCGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCGateway{conn: conn, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the connection.
func (g *GRPCGateway) Close() error {
	return g.conn.Close()
}

// Complete implements Gateway.
func (g *GRPCGateway) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	in, err := encodeRequest(req)
	if err != nil {
		return "", &Error{Kind: Malformed, Err: err}
	}
	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, CompleteMethod, in, out); err != nil {
		return "", classifyGRPC(ctx, err)
	}

	text, ok := out.GetFields()["text"]
	if !ok {
		return "", &Error{Kind: Malformed, Err: errors.New("response has no text field")}
	}
	return finish(req, text.GetStringValue())
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{
			"author": m.Author,
			"text":   m.Text,
			"user":   m.User,
		})
	}
	return structpb.NewStruct(map[string]any{
		"system_prompt": req.SystemPrompt,
		"history":       history,
		"input":         req.Input,
		"json":          req.JSON,
		"temperature":   float64(req.Temperature),
	})
}

func classifyGRPC(ctx context.Context, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return &Error{Kind: Timeout, Err: err}
	case codes.ResourceExhausted:
		return &Error{Kind: RateLimited, Err: err}
	case codes.InvalidArgument, codes.DataLoss, codes.Internal:
		return &Error{Kind: Malformed, Err: err}
	}
	if ce, ok := contextError(ctx, err); ok {
		return ce
	}
	return &Error{Kind: Transport, Err: err}
}
