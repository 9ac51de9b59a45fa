package completion

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// startSidecar serves CompleteMethod with handle over an in-memory listener.
func startSidecar(t *testing.T, handle func(*structpb.Struct) (*structpb.Struct, error)) *GRPCGateway {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != CompleteMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := handle(in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	g := NewGRPC(conn, zap.NewNop())
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGRPCGatewayComplete(t *testing.T) {
	t.Parallel()

	var got *structpb.Struct
	g := startSidecar(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		got = in
		return structpb.NewStruct(map[string]any{"text": "Budget is tight."})
	})

	out, err := g.Complete(context.Background(), Request{
		SystemPrompt: "you are the CFO",
		History:      []Message{{Author: "student", Text: "hi", User: true}},
		Input:        "budget?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Budget is tight.", out)

	fields := got.GetFields()
	assert.Equal(t, "you are the CFO", fields["system_prompt"].GetStringValue())
	assert.Equal(t, "budget?", fields["input"].GetStringValue())
	require.Len(t, fields["history"].GetListValue().GetValues(), 1)
}

func TestGRPCGatewayErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		out  map[string]any
		want Kind
	}{
		{name: "exhausted", err: status.Error(codes.ResourceExhausted, "quota"), want: RateLimited},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), want: Transport},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "slow"), want: Timeout},
		{name: "missing text", out: map[string]any{"other": "x"}, want: Malformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := startSidecar(t, func(*structpb.Struct) (*structpb.Struct, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return structpb.NewStruct(tt.out)
			})
			_, err := g.Complete(context.Background(), Request{Input: "hi", Timeout: 5 * time.Second})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err), "err: %v", err)
		})
	}
}
