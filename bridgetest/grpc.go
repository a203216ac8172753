//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridgetest

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/luxfi/bridge"
)

// grpcSink forwards pushes for one context onto its Push stream.
type grpcSink struct {
	out chan []byte
}

func (g *grpcSink) push(_, streamID uint8, chunk []byte) error {
	msg := make([]byte, 0, 1+len(chunk))
	msg = append(msg, streamID)
	msg = append(msg, chunk...)
	select {
	case g.out <- msg:
		return nil
	default:
		return errors.New("bridgetest: grpc push queue full")
	}
}

// ListenGRPC serves the gRPC transport on a loopback port and returns its
// address.
func (s *Server) ListenGRPC() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(bridge.RawCodec{}),
		grpc.UnknownServiceHandler(s.handleGRPC),
	)
	s.onClose(srv.Stop)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil {
			s.log.Debug("grpc server stopped", zap.Error(err))
		}
	}()
	return l.Addr().String(), nil
}

func (s *Server) handleGRPC(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	var req []byte
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	switch method {
	case bridge.GRPCMethodContext:
		return stream.SendMsg([]byte{s.newContext()})
	case bridge.GRPCMethodCall:
		return stream.SendMsg(s.dispatch(stream.Context(), req, false))
	case bridge.GRPCMethodPush:
		if len(req) != 1 {
			return fmt.Errorf("push subscribe needs a context id")
		}
		sink := &grpcSink{out: make(chan []byte, 64)}
		s.attachSink(req[0], sink)
		defer s.detachSink(req[0], sink)
		for {
			select {
			case <-stream.Context().Done():
				return nil
			case msg := <-sink.out:
				if err := stream.SendMsg(msg); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("unknown method %s", method)
	}
}
