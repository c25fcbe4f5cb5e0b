package crew

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// grpcDefaultMessageBytes is gRPC's default receive limit.
const grpcDefaultMessageBytes = 4 << 20

// MessageLimit sizes gRPC messages for kickoffs carrying an upload of at most
// maxUpload bytes. Decoded text can grow up to three times through
// replacement characters, and the descriptors need room on top.
func MessageLimit(maxUpload int64) int {
	limit := 3*maxUpload + 1<<20
	if limit < grpcDefaultMessageBytes {
		return grpcDefaultMessageBytes
	}
	if limit > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(limit)
}

// ServerOptions applies maxMessageBytes to both directions of a crew server.
func ServerOptions(maxMessageBytes int) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
	}
}

// Server exposes an Engine over gRPC.
type Server struct {
	engine Engine
	tools  ToolFactory
	health HealthStatus
	logger *slog.Logger
}

// NewServer creates a Server. Tools named in requests are rebuilt by tools.
func NewServer(engine Engine, tools ToolFactory, health HealthStatus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if health.Status == "" {
		health.Status = "ok"
	}
	return &Server{engine: engine, tools: tools, health: health, logger: logger}
}

// Kickoff runs one crew to completion.
func (s *Server) Kickoff(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, inputs, err := DecodeKickoff(req, s.tools)
	if err != nil {
		return nil, toStatus(err)
	}

	start := time.Now()
	s.logger.Info("Kickoff started", "tasks", len(c.Tasks), "agents", len(c.Agents))
	res, err := s.engine.Kickoff(ctx, c, inputs)
	if err != nil {
		s.logger.Warn("Kickoff failed", "error", err, "duration", time.Since(start))
		return nil, toStatus(err)
	}
	s.logger.Info("Kickoff finished", "duration", time.Since(start), "bytes", len(res.Raw))

	out, err := toStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// Health reports the engine's readiness.
func (s *Server) Health(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.health)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode health: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrInvalidCrew), errors.Is(err, ErrUnknownTool):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrEmptyResult):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
