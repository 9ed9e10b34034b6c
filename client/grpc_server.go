package client

import (
	"context"

	"google.golang.org/grpc"
)

// CosignerServer gRPC 服务端接口（JSON 编解码），用于本地开发桩服务和测试
//
// 返回 status 错误以控制客户端的错误映射，例如 codes.FailedPrecondition + 验证状态。
type CosignerServer interface {
	Cosign(ctx context.Context, req *CosignRequest) (*CosignResponse, error)
	RequestEmail(ctx context.Context, email string) error
	ConfirmEmail(ctx context.Context, code string) error
}

// RegisterCosignerServer 注册联合签名与邮箱验证服务
func RegisterCosignerServer(s *grpc.Server, srv CosignerServer) {
	s.RegisterService(&cosignerServiceDesc, srv)
	s.RegisterService(&verificationServiceDesc, srv)
}

var cosignerServiceDesc = grpc.ServiceDesc{
	ServiceName: "shield.v1.Cosigner",
	HandlerType: (*CosignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sign", Handler: cosignHandler},
	},
	Streams: []grpc.StreamDesc{},
}

var verificationServiceDesc = grpc.ServiceDesc{
	ServiceName: "shield.v1.Verification",
	HandlerType: (*CosignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestEmail", Handler: requestEmailHandler},
		{MethodName: "ConfirmEmail", Handler: confirmEmailHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func cosignHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CosignRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CosignerServer).Cosign(ctx, req.(*CosignRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCosign}, call)
}

func requestEmailHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(verifyEmailRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(CosignerServer).RequestEmail(ctx, req.(*verifyEmailRequest).Email); err != nil {
			return nil, err
		}
		return &verificationResponse{Status: "REQUESTED"}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRequestEmail}, call)
}

func confirmEmailHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(confirmEmailRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(CosignerServer).ConfirmEmail(ctx, req.(*confirmEmailRequest).VerificationCode); err != nil {
			return nil, err
		}
		return &verificationResponse{Status: "VERIFIED"}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodConfirmEmail}, call)
}
