package rpc

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"

	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/node"
)

// ProtocolID is the libp2p stream protocol the RPC surface speaks,
// generalized from the teacher's single "/packet/1.0.0" protocol into a
// versioned, domain-specific one.
const ProtocolID = "/kadefs/rpc/1.0.0"

// Handlers is implemented by whatever owns the routing table, local
// store, and chunk-location index; Server dispatches each decoded Message
// to the matching method (spec.md §4.5).
type Handlers interface {
	Ping(ctx context.Context, sender node.Descriptor, remoteID *identifier.ID) (selfID identifier.ID, matched bool)
	Store(ctx context.Context, sender node.Descriptor, req *Message) error
	FindNode(ctx context.Context, sender node.Descriptor, target identifier.ID) []NeighborInfo
	FindValue(ctx context.Context, sender node.Descriptor, target identifier.ID, kind Kind) (value []byte, found bool, neighbors []NeighborInfo)
	FindChunkLocation(ctx context.Context, sender node.Descriptor, chunk identifier.ID) (host string, port int, found bool, neighbors []NeighborInfo)
	Contains(ctx context.Context, sender node.Descriptor, key identifier.ID, kind Kind) bool
	CheckIfNewValueExists(ctx context.Context, sender node.Descriptor, key identifier.ID, kind Kind) (present bool, lastWrite time.Time)
	Delete(ctx context.Context, sender node.Descriptor, key identifier.ID, kind Kind) bool
	ConfirmIntegrity(ctx context.Context, sender node.Descriptor, key identifier.ID, kind Kind) bool
	GetMetadataList(ctx context.Context, sender node.Descriptor) []string
	GetChunkValue(ctx context.Context, sender node.Descriptor, key identifier.ID) ([]byte, bool)
	FindNeighbors(ctx context.Context, sender node.Descriptor) []NeighborInfo
	// WelcomeIfNew runs on receipt of every RPC, before dispatch
	// (spec.md §4.5, §4.7).
	WelcomeIfNew(ctx context.Context, sender node.Descriptor)
}

// Server wires Handlers to an incoming libp2p stream handler.
type Server struct {
	handlers Handlers
	logger   *zap.Logger
}

func NewServer(h Handlers, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handlers: h, logger: logger}
}

// Register attaches the stream handler to host for ProtocolID.
func (s *Server) Register(host interface{ SetStreamHandler(string, func(libp2pnetwork.Stream)) }) {
	host.SetStreamHandler(ProtocolID, s.handleStream)
}

func (s *Server) handleStream(stream libp2pnetwork.Stream) {
	defer stream.Close()

	raw, err := io.ReadAll(stream)
	if err != nil {
		s.logger.Warn("rpc stream read failed", zap.Error(err))
		return
	}

	req, err := Decode(raw)
	if err != nil {
		s.logger.Warn("rpc decode failed", zap.Error(err))
		return
	}

	resp := s.dispatch(context.Background(), req)
	resp.ID = req.ID

	out, err := Encode(resp)
	if err != nil {
		s.logger.Warn("rpc encode failed", zap.Error(err))
		return
	}
	if _, err := stream.Write(out); err != nil {
		s.logger.Warn("rpc stream write failed", zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req *Message) *Message {
	sender := node.New(req.SenderID, req.SenderHost, req.SenderPort)
	s.handlers.WelcomeIfNew(ctx, sender)

	resp := &Message{Method: req.Method}

	switch req.Method {
	case MethodPing:
		id, matched := s.handlers.Ping(ctx, sender, req.RemoteID)
		resp.OK = matched
		resp.TargetID = id

	case MethodStore:
		if err := s.handlers.Store(ctx, sender, req); err != nil {
			resp.ErrCode, resp.ErrMsg = errTag(err)
			return resp
		}
		resp.OK = true

	case MethodFindNode:
		resp.Neighbors = s.handlers.FindNode(ctx, sender, req.TargetID)

	case MethodFindValue:
		value, found, neighbors := s.handlers.FindValue(ctx, sender, req.TargetID, req.Kind)
		resp.HasValue = found
		resp.Value = value
		resp.Neighbors = neighbors

	case MethodFindChunkLocation:
		host, port, found, neighbors := s.handlers.FindChunkLocation(ctx, sender, req.TargetID)
		resp.HasValue = found
		resp.Host, resp.Port = host, port
		resp.Neighbors = neighbors

	case MethodContains:
		resp.OK = s.handlers.Contains(ctx, sender, req.TargetID, req.Kind)

	case MethodCheckIfNewValueExists:
		present, lastWrite := s.handlers.CheckIfNewValueExists(ctx, sender, req.TargetID, req.Kind)
		resp.Present = present
		resp.LastWrite = lastWrite

	case MethodDelete:
		resp.OK = s.handlers.Delete(ctx, sender, req.TargetID, req.Kind)

	case MethodConfirmIntegrity:
		resp.OK = s.handlers.ConfirmIntegrity(ctx, sender, req.TargetID, req.Kind)

	case MethodGetMetadataList:
		resp.Names = s.handlers.GetMetadataList(ctx, sender)

	case MethodGetChunkValue:
		value, found := s.handlers.GetChunkValue(ctx, sender, req.TargetID)
		resp.HasValue = found
		resp.Value = value

	case MethodFindNeighbors:
		resp.Neighbors = s.handlers.FindNeighbors(ctx, sender)

	default:
		resp.ErrCode = "UNKNOWN_METHOD"
		resp.ErrMsg = string(req.Method)
	}

	return resp
}

func errTag(err error) (string, string) {
	return "RPC_FAILURE", err.Error()
}

// NewCorrelationID returns a fresh request correlation id (SPEC_FULL.md
// §4.5).
func NewCorrelationID() string {
	return uuid.NewString()
}
