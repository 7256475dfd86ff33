package grpc_control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "relay.control.v1.RelayControl"

// RelayControlServer is the server API of the control service. Requests and
// replies are protobuf well-known types so no generated code is needed.
type RelayControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSubscriptions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResetAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerSignal(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ControlService implements RelayControlServer over the relay's data exchanger
type ControlService struct {
	Exchanger interfaces.IDataExchanger
	Logger    *logger.Logger
}

// NewControlService creates a new instance of ControlService
func NewControlService(ex interfaces.IDataExchanger, log *logger.Logger) *ControlService {
	return &ControlService{
		Exchanger: ex,
		Logger:    log,
	}
}

// -----------------------------------------------------------------------------

func (s *ControlService) GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.Exchanger.Status())
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListSubscriptions(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	subs := s.Exchanger.Subscriptions()
	return toStruct(map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// -----------------------------------------------------------------------------

func (s *ControlService) ResetAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := field(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	rule, err := s.Exchanger.ResetAlert(id)
	if err != nil {
		return nil, toStatus(err)
	}
	s.Logger.Info("gRPC: alert %s reset", id)
	return toStruct(map[string]interface{}{"alert": rule})
}

// -----------------------------------------------------------------------------

func (s *ControlService) TriggerSignal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	symbol := field(req, "symbol")
	if symbol == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol is required")
	}
	kind, ok := models.ParseAlertKind(field(req, "kind"))
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown alert kind '%s'", field(req, "kind"))
	}

	fired, err := s.Exchanger.TriggerSignal(symbol, kind, field(req, "message"))
	if err != nil {
		return nil, toStatus(err)
	}
	s.Logger.Info("gRPC: %s signal for %s fired %d rule(s)", kind, symbol, len(fired))
	return toStruct(map[string]interface{}{
		"triggered": fired,
		"count":     len(fired),
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func field(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	if v, ok := req.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

// toStruct converts any JSON-serializable value to a Struct, using the same
// field names as the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	var validation *helpers.ValidationError
	switch {
	case errors.Is(err, helpers.ErrAlertNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, helpers.ErrInvalidSymbol), errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// -----------------------------------------------------------------------------
// Server lifecycle
// -----------------------------------------------------------------------------

// Serve listens on addr and serves the control service until ctx is done.
func Serve(ctx context.Context, addr string, svc RelayControlServer, l *logger.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, svc, l)
}

func ServeListener(ctx context.Context, lis net.Listener, svc RelayControlServer, l *logger.Logger) error {
	grpcServer := grpc.NewServer()
	RegisterRelayControlServer(grpcServer, svc)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	l.Info("Starting gRPC Control Server on %s", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
