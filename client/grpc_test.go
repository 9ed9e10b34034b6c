package client

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/types"
)

type stubCosigner struct {
	cosignErr    error
	requestErrs  []error
	confirmErr   error
	cosignCalls  atomic.Int32
	requestCalls atomic.Int32
	lastAuth     atomic.Value
	lastType     atomic.Value
}

func (s *stubCosigner) Cosign(ctx context.Context, req *CosignRequest) (*CosignResponse, error) {
	s.cosignCalls.Add(1)
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get("authorization")) > 0 {
		s.lastAuth.Store(md.Get("authorization")[0])
	}
	s.lastType.Store(string(req.Type))
	if s.cosignErr != nil {
		return nil, s.cosignErr
	}
	return &CosignResponse{Signature: CosignSignature{R: "0x0a", S: "11"}}, nil
}

func (s *stubCosigner) RequestEmail(ctx context.Context, email string) error {
	n := int(s.requestCalls.Add(1))
	if n <= len(s.requestErrs) {
		return s.requestErrs[n-1]
	}
	return nil
}

func (s *stubCosigner) ConfirmEmail(ctx context.Context, code string) error {
	return s.confirmErr
}

func newTestGRPCClient(t *testing.T, srv CosignerServer) Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	RegisterCosignerServer(server, srv)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	c, err := NewClient(&Config{
		Endpoint: "bufnet",
		Protocol: ProtocolGRPC,
		Timeout:  2 * time.Second,
		Retry:    fastRetry(),
		Tokens:   staticTokens("device-jwt"),
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPCClient_Cosign(t *testing.T) {
	srv := &stubCosigner{}
	c := newTestGRPCClient(t, srv)

	resp, err := c.Cosign(context.Background(), &CosignRequest{
		Message: json.RawMessage(`{"accountAddress":"0x1"}`),
		Type:    CosignMessage,
	})
	require.NoError(t, err)
	assert.Equal(t, "0x0a", resp.Signature.R)
	assert.Equal(t, "11", resp.Signature.S)
	assert.Equal(t, "Bearer device-jwt", srv.lastAuth.Load())
	assert.Equal(t, string(CosignMessage), srv.lastType.Load())
}

func TestGRPCClient_CosignErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), types.ErrCosignerUnavailable},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), types.ErrCosignerUnavailable},
		{"permission denied", status.Error(codes.PermissionDenied, "policy"), types.ErrCosignerRejected},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad calldata"), types.ErrCosignerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &stubCosigner{cosignErr: tt.err}
			c := newTestGRPCClient(t, srv)

			_, err := c.Cosign(context.Background(), &CosignRequest{Message: json.RawMessage(`{}`), Type: CosignTransaction})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.EqualValues(t, 1, srv.cosignCalls.Load())
		})
	}
}

func TestGRPCClient_RequestEmailRetriesUnavailable(t *testing.T) {
	srv := &stubCosigner{requestErrs: []error{
		status.Error(codes.Unavailable, "down"),
		status.Error(codes.Unavailable, "still down"),
	}}
	c := newTestGRPCClient(t, srv)

	require.NoError(t, c.RequestEmail(context.Background(), "alice@example.com"))
	assert.EqualValues(t, 3, srv.requestCalls.Load())
}

func TestGRPCClient_ConfirmEmailVerificationError(t *testing.T) {
	srv := &stubCosigner{confirmErr: status.Error(codes.FailedPrecondition, string(shield.StatusExpired))}
	c := newTestGRPCClient(t, srv)

	err := c.ConfirmEmail(context.Background(), "123456")
	var verr *shield.VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, shield.StatusExpired, verr.Status)
}
