package transport

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName and streamMethod identify the hand-authored RPC; there is no
// .proto file backing them, only this ServiceDesc.
const (
	serviceName  = "meshrt.Mesh"
	streamMethod = "Stream"
)

// serviceDesc is the grpc.ServiceDesc a generated *_grpc.pb.go would
// normally provide. Built by hand because no protoc-generated stub exists
// in this tree (see envelope.go's package doc).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethod,
			Handler:       streamHandlerFunc,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "meshrt/transport/service.go",
}

// streamHandler is the server-side contract implementations must satisfy
// to be registered against serviceDesc.
type streamHandler interface {
	HandleStream(srv any, stream grpc.ServerStream) error
}

func streamHandlerFunc(srv any, stream grpc.ServerStream) error {
	return srv.(streamHandler).HandleStream(srv, stream)
}

// EnvelopeClientStream narrows grpc.ClientStream to this service's single
// message type, mirroring what protoc would generate as
// MeshClient_StreamClient.
type EnvelopeClientStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type envelopeClientStream struct {
	grpc.ClientStream
}

func (s *envelopeClientStream) Send(e *Envelope) error {
	return s.ClientStream.SendMsg(e)
}

func (s *envelopeClientStream) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// OpenStream opens the bidirectional stream against conn using the
// meshjson codec, in place of a generated NewMeshClient(conn).Stream(ctx).
func OpenStream(ctx context.Context, conn grpc.ClientConnInterface) (EnvelopeClientStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    streamMethod,
		ServerStreams: true,
		ClientStreams: true,
	}
	cs, err := conn.NewStream(ctx, desc, "/"+serviceName+"/"+streamMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return &envelopeClientStream{ClientStream: cs}, nil
}

// EnvelopeServerStream is the server-side counterpart, mirroring
// MeshServer_StreamServer from a generated stub.
type EnvelopeServerStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type envelopeServerStream struct {
	grpc.ServerStream
}

func (s *envelopeServerStream) Send(e *Envelope) error {
	return s.ServerStream.SendMsg(e)
}

func (s *envelopeServerStream) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterServer registers a StreamHandler-shaped server against gs using
// the hand-authored serviceDesc. The client runtime this module implements
// has no standalone mesh server binary; this exists as the symmetric
// counterpart to Connection's client-side stream plumbing and is exercised
// directly by the transport package's bufconn-backed tests.
func RegisterServer(gs *grpc.Server, srv ServerHandler) {
	gs.RegisterService(&serviceDesc, &serverAdapter{srv: srv})
}

// ServerHandler processes one connected peer's stream.
type ServerHandler interface {
	Handle(stream EnvelopeServerStream) error
}

type serverAdapter struct {
	srv ServerHandler
}

func (a *serverAdapter) HandleStream(_ any, stream grpc.ServerStream) error {
	return a.srv.Handle(&envelopeServerStream{ServerStream: stream})
}
