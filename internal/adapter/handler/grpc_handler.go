package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const ServiceName = "stockledger.v1.StockLedger"

// StockLedgerServer is the gRPC surface. Messages travel as JSON; clients
// call with grpc.CallContentSubtype(JSONCodecName).
type StockLedgerServer interface {
	RegisterStockItem(context.Context, *RegisterItemRequest) (*ItemResponse, error)
	GetStockItem(context.Context, *ItemRequest) (*ItemResponse, error)
	SetAlertThreshold(context.Context, *ThresholdRequest) (*ItemResponse, error)
	RetireStockItem(context.Context, *ItemRequest) (*ItemResponse, error)
	RemoveStockItem(context.Context, *ItemRequest) (*EmptyResponse, error)
	RecordRestock(context.Context, *RestockRequest) (*QuantityResponse, error)
	RecordDamage(context.Context, *DamageRequest) (*QuantityResponse, error)
	RecordSale(context.Context, *RecordSaleRequest) (*SaleResponse, error)
	GetSale(context.Context, *SaleRequest) (*SaleResponse, error)
	ReturnItem(context.Context, *ReturnRequest) (*SaleResponse, error)
	CancelSale(context.Context, *CancelRequest) (*SaleResponse, error)
	IsLowStock(context.Context, *ItemRequest) (*LowStockResponse, error)
	ListLowStock(context.Context, *LowStockRequest) (*ItemListResponse, error)
	GetHistory(context.Context, *ItemRequest) (*HistoryResponse, error)
	GetActivity(context.Context, *ActivityRequest) (*ActivityResponse, error)
	VerifyStockItem(context.Context, *ItemRequest) (*VerifyResponse, error)
}

type GRPCHandler struct {
	ledger LedgerService
	logger *zap.Logger
}

func NewGRPCHandler(ledger LedgerService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{ledger: ledger, logger: logger}
}

// Register attaches the handler to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, h)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StockLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RegisterStockItem", StockLedgerServer.RegisterStockItem),
		unary("GetStockItem", StockLedgerServer.GetStockItem),
		unary("SetAlertThreshold", StockLedgerServer.SetAlertThreshold),
		unary("RetireStockItem", StockLedgerServer.RetireStockItem),
		unary("RemoveStockItem", StockLedgerServer.RemoveStockItem),
		unary("RecordRestock", StockLedgerServer.RecordRestock),
		unary("RecordDamage", StockLedgerServer.RecordDamage),
		unary("RecordSale", StockLedgerServer.RecordSale),
		unary("GetSale", StockLedgerServer.GetSale),
		unary("ReturnItem", StockLedgerServer.ReturnItem),
		unary("CancelSale", StockLedgerServer.CancelSale),
		unary("IsLowStock", StockLedgerServer.IsLowStock),
		unary("ListLowStock", StockLedgerServer.ListLowStock),
		unary("GetHistory", StockLedgerServer.GetHistory),
		unary("GetActivity", StockLedgerServer.GetActivity),
		unary("VerifyStockItem", StockLedgerServer.VerifyStockItem),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockledger/v1/stock_ledger",
}

func unary[Req, Resp any](method string, call func(StockLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(StockLedgerServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

func (h *GRPCHandler) fail(method string, err error) error {
	if grpcCode(err) == codes.Internal {
		h.logger.Error("rpc failed", zap.String("method", method), zap.Error(err))
	}
	return grpcError(err)
}

func invalid(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

func (h *GRPCHandler) RegisterStockItem(ctx context.Context, req *RegisterItemRequest) (*ItemResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	item, err := h.ledger.RegisterStockItem(ctx, req.toInput())
	if err != nil {
		return nil, h.fail("RegisterStockItem", err)
	}
	resp := newItemResponse(item)
	return &resp, nil
}

func (h *GRPCHandler) GetStockItem(ctx context.Context, req *ItemRequest) (*ItemResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	item, err := h.ledger.GetStockItem(ctx, domain.StockItemID(req.ItemID))
	if err != nil {
		return nil, h.fail("GetStockItem", err)
	}
	resp := newItemResponse(item)
	return &resp, nil
}

func (h *GRPCHandler) SetAlertThreshold(ctx context.Context, req *ThresholdRequest) (*ItemResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	item, err := h.ledger.SetAlertThreshold(ctx, domain.StockItemID(req.ItemID), *req.Threshold)
	if err != nil {
		return nil, h.fail("SetAlertThreshold", err)
	}
	resp := newItemResponse(item)
	return &resp, nil
}

func (h *GRPCHandler) RetireStockItem(ctx context.Context, req *ItemRequest) (*ItemResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	item, err := h.ledger.RetireStockItem(ctx, domain.StockItemID(req.ItemID))
	if err != nil {
		return nil, h.fail("RetireStockItem", err)
	}
	resp := newItemResponse(item)
	return &resp, nil
}

func (h *GRPCHandler) RemoveStockItem(ctx context.Context, req *ItemRequest) (*EmptyResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	if err := h.ledger.RemoveStockItem(ctx, domain.StockItemID(req.ItemID)); err != nil {
		return nil, h.fail("RemoveStockItem", err)
	}
	return &EmptyResponse{}, nil
}

func (h *GRPCHandler) RecordRestock(ctx context.Context, req *RestockRequest) (*QuantityResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	qty, err := h.ledger.RecordRestock(ctx, service.RestockInput{
		ItemID:    domain.StockItemID(req.ItemID),
		Quantity:  req.Quantity,
		ActorID:   req.ActorID,
		Note:      req.Note,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, h.fail("RecordRestock", err)
	}
	return &QuantityResponse{ItemID: req.ItemID, Quantity: qty}, nil
}

func (h *GRPCHandler) RecordDamage(ctx context.Context, req *DamageRequest) (*QuantityResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	qty, err := h.ledger.RecordDamage(ctx, service.DamageInput{
		ItemID:    domain.StockItemID(req.ItemID),
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		ActorID:   req.ActorID,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, h.fail("RecordDamage", err)
	}
	return &QuantityResponse{ItemID: req.ItemID, Quantity: qty}, nil
}

func (h *GRPCHandler) RecordSale(ctx context.Context, req *RecordSaleRequest) (*SaleResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	sale, err := h.ledger.RecordSale(ctx, req.toInput())
	if err != nil {
		return nil, h.fail("RecordSale", err)
	}
	resp := newSaleResponse(sale)
	return &resp, nil
}

func (h *GRPCHandler) GetSale(ctx context.Context, req *SaleRequest) (*SaleResponse, error) {
	sale, err := h.ledger.GetSale(ctx, req.SaleID)
	if err != nil {
		return nil, h.fail("GetSale", err)
	}
	resp := newSaleResponse(sale)
	return &resp, nil
}

func (h *GRPCHandler) ReturnItem(ctx context.Context, req *ReturnRequest) (*SaleResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	sale, err := h.ledger.ReturnItem(ctx, service.ReturnInput{
		SaleItemID: req.SaleItemID,
		Quantity:   req.Quantity,
		Reason:     req.Reason,
		ActorID:    req.ActorID,
	})
	if err != nil {
		return nil, h.fail("ReturnItem", err)
	}
	resp := newSaleResponse(sale)
	return &resp, nil
}

func (h *GRPCHandler) CancelSale(ctx context.Context, req *CancelRequest) (*SaleResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	sale, err := h.ledger.CancelSale(ctx, service.CancelInput{
		SaleID:  req.SaleID,
		Reason:  req.Reason,
		ActorID: req.ActorID,
	})
	if err != nil {
		return nil, h.fail("CancelSale", err)
	}
	resp := newSaleResponse(sale)
	return &resp, nil
}

func (h *GRPCHandler) IsLowStock(ctx context.Context, req *ItemRequest) (*LowStockResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	low, err := h.ledger.IsLowStock(ctx, domain.StockItemID(req.ItemID))
	if err != nil {
		return nil, h.fail("IsLowStock", err)
	}
	return &LowStockResponse{ItemID: req.ItemID, LowStock: low}, nil
}

func (h *GRPCHandler) ListLowStock(ctx context.Context, req *LowStockRequest) (*ItemListResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	var kind *domain.ItemKind
	if req.Kind != "" {
		k := domain.ItemKind(req.Kind)
		kind = &k
	}
	resp := &ItemListResponse{Items: []ItemResponse{}}
	for item := range h.ledger.ListLowStock(kind) {
		resp.Items = append(resp.Items, newItemResponse(item))
	}
	return resp, nil
}

func (h *GRPCHandler) GetHistory(ctx context.Context, req *ItemRequest) (*HistoryResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	id := domain.StockItemID(req.ItemID)
	events, err := h.ledger.History(ctx, id)
	if err != nil {
		return nil, h.fail("GetHistory", err)
	}
	resp := newHistoryResponse(id, events)
	return &resp, nil
}

func (h *GRPCHandler) GetActivity(ctx context.Context, req *ActivityRequest) (*ActivityResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	from, to := req.window(time.Now())
	act, err := h.ledger.Activity(ctx, domain.StockItemID(req.ItemID), from, to)
	if err != nil {
		return nil, h.fail("GetActivity", err)
	}
	resp := newActivityResponse(act)
	return &resp, nil
}

func (h *GRPCHandler) VerifyStockItem(ctx context.Context, req *ItemRequest) (*VerifyResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	if err := h.ledger.Verify(ctx, domain.StockItemID(req.ItemID)); err != nil {
		if errors.Is(err, service.ErrLedgerDrift) {
			h.logger.Error("ledger drift detected", zap.Int64("item_id", req.ItemID), zap.Error(err))
		}
		return nil, h.fail("VerifyStockItem", err)
	}
	return &VerifyResponse{ItemID: req.ItemID, Consistent: true}, nil
}
