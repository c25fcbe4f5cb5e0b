package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcEngine submits crews to a remote engine process.
type GrpcEngine struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcEngineConfig holds configuration for the engine client.
type GrpcEngineConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// WaitForReady makes NewGrpcEngine fail when the engine is unreachable.
	WaitForReady bool
	// MaxMessageBytes raises gRPC's 4 MiB message limit; see MessageLimit.
	MaxMessageBytes int
	DialOptions     []grpc.DialOption
}

// DefaultGrpcEngineConfig returns default configuration for addr.
func DefaultGrpcEngineConfig(addr string) GrpcEngineConfig {
	return GrpcEngineConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		WaitForReady:     true,
	}
}

// NewGrpcEngine creates a client for the engine at cfg.Address.
func NewGrpcEngine(cfg GrpcEngineConfig, logger *slog.Logger) (*GrpcEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)
	if cfg.MaxMessageBytes > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(cfg.MaxMessageBytes),
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes),
		))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client for %s: %w", cfg.Address, err)
	}

	if cfg.WaitForReady {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("crew engine at %s not ready: %w", cfg.Address, err)
		}
	}

	logger.Info("Connected to crew engine", "address", cfg.Address)
	return &GrpcEngine{conn: conn, addr: cfg.Address, logger: logger}, nil
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

// Close closes the gRPC connection.
func (e *GrpcEngine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health queries the engine's health status.
func (e *GrpcEngine) Health(ctx context.Context) (*HealthStatus, error) {
	out := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, methodHealth, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	var hs HealthStatus
	if err := fromStruct(out, &hs); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &hs, nil
}

// Kickoff validates the crew locally, then runs it on the remote engine.
// Tools travel as specs and are rebuilt by the engine.
func (e *GrpcEngine) Kickoff(ctx context.Context, c *Crew, inputs Inputs) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	req, err := EncodeKickoff(c, inputs)
	if err != nil {
		return nil, err
	}

	Emit(ctx, Event{Kind: EventKickoffStarted, Detail: e.addr})
	out := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, methodKickoff, req, out); err != nil {
		err = fromStatus(err)
		Emit(ctx, Event{Kind: EventKickoffFailed, Detail: err.Error()})
		return nil, err
	}

	var res Result
	if err := fromStruct(out, &res); err != nil {
		return nil, fmt.Errorf("decode kickoff result: %w", err)
	}
	for _, to := range res.TasksOutput {
		Emit(ctx, Event{Kind: EventTaskFinished, Task: to.Name, Agent: to.Agent})
	}
	Emit(ctx, Event{Kind: EventKickoffFinished})
	return &res, nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("kickoff failed: %w", err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidCrew, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrEmptyResult, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("kickoff failed: %w", context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("kickoff failed: %w", context.Canceled)
	default:
		return fmt.Errorf("kickoff failed: %s: %s", st.Code(), st.Message())
	}
}
