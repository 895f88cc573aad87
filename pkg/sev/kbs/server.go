// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package kbs

import (
	"context"

	"google.golang.org/grpc"
)

// KeyBrokerServer is the server side of the keybroker service, used to run
// an in-process broker.
type KeyBrokerServer interface {
	GetBundle(context.Context, *BundleRequest) (*BundleResponse, error)
	GetSecret(context.Context, *SecretRequest) (*SecretResponse, error)
}

// ServerCodec must be passed to grpc.NewServer for servers registering a
// KeyBrokerServer.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(codec{})
}

// RegisterKeyBrokerServer registers srv with s.
func RegisterKeyBrokerServer(s *grpc.Server, srv KeyBrokerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KeyBrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBundle", Handler: getBundleHandler},
		{MethodName: "GetSecret", Handler: getSecretHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func getBundleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &BundleRequest{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyBrokerServer).GetBundle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getBundleMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KeyBrokerServer).GetBundle(ctx, req.(*BundleRequest))
	})
}

func getSecretHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &SecretRequest{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyBrokerServer).GetSecret(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSecretMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KeyBrokerServer).GetSecret(ctx, req.(*SecretRequest))
	})
}
