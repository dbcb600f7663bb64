package rpcadmin

import (
	"context"

	"google.golang.org/grpc"

	"github.com/relaysms/gateway/internal/ledger"
	"github.com/relaysms/gateway/internal/model"
)

// GetBalanceRequest/Response, ChargeAccountRequest/Response, and
// TriggerSettlementRequest/Response are the JSON-framed message types
// for the three admin RPCs. They stand in for what a .proto file would
// otherwise generate.
type GetBalanceRequest struct {
	TenantID string `json:"tenant_id"`
}

type GetBalanceResponse struct {
	Available string `json:"available"`
	Balance   string `json:"balance"`
	Pending   string `json:"pending"`
}

type ChargeAccountRequest struct {
	TenantID    string `json:"tenant_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"`
}

type ChargeAccountResponse struct {
	TransactionID int64  `json:"transaction_id"`
	BalanceAfter  string `json:"balance_after"`
}

type TriggerSettlementRequest struct {
	TenantIDs []string `json:"tenant_ids"`
}

type TriggerSettlementResponse struct {
	Settled int `json:"settled"`
}

// Server implements the admin RPCs over the ledger.
type Server struct {
	ledger *ledger.Ledger
}

// NewServer constructs a Server.
func NewServer(l *ledger.Ledger) *Server {
	return &Server{ledger: l}
}

func (s *Server) getBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceResponse, error) {
	bal, err := s.ledger.GetBalance(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	return &GetBalanceResponse{
		Available: bal.Available.String(),
		Balance:   bal.Balance.String(),
		Pending:   bal.Pending.String(),
	}, nil
}

func (s *Server) chargeAccount(ctx context.Context, req *ChargeAccountRequest) (*ChargeAccountResponse, error) {
	amount, err := model.ParseMoney(req.Amount)
	if err != nil {
		return nil, err
	}
	txn, err := s.ledger.Charge(ctx, req.TenantID, amount, req.Description, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	return &ChargeAccountResponse{TransactionID: txn.ID, BalanceAfter: txn.BalanceAfter.String()}, nil
}

func (s *Server) triggerSettlement(ctx context.Context, req *TriggerSettlementRequest) (*TriggerSettlementResponse, error) {
	settleable, err := s.ledger.ListSettleableTenants(ctx, req.TenantIDs)
	if err != nil {
		return nil, err
	}
	for _, t := range settleable {
		if err := s.ledger.Settle(ctx, t); err != nil {
			return nil, err
		}
	}
	return &TriggerSettlementResponse{Settled: len(settleable)}, nil
}

// ServiceName is the gRPC service name registered for this surface.
const ServiceName = "gateway.admin.v1.AdminService"

// ServiceDesc is the hand-constructed grpc.ServiceDesc this package
// registers in place of a protoc-generated one.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetBalance",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(GetBalanceRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.getBalance(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetBalance"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.getBalance(ctx, req.(*GetBalanceRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "ChargeAccount",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(ChargeAccountRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.chargeAccount(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ChargeAccount"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.chargeAccount(ctx, req.(*ChargeAccountRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "TriggerSettlement",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(TriggerSettlementRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.triggerSettlement(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/TriggerSettlement"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.triggerSettlement(ctx, req.(*TriggerSettlementRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpcadmin/service.go",
}

// Register registers this Server on a *grpc.Server.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}
