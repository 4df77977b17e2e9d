package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/stock-ledger/internal/core/service"
)

func newTestConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	svc := service.NewInventoryService(nil, nil, nil, service.ServiceConfig{})
	NewGRPCHandler(svc, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke[Resp any](t *testing.T, conn *grpc.ClientConn, method string, req any) (*Resp, error) {
	t.Helper()
	out := new(Resp)
	err := conn.Invoke(context.Background(), "/"+ServiceName+"/"+method, req, out)
	return out, err
}

func threshold(v int64) *int64 { return &v }

func TestGRPC_RegisterSellAndReturn(t *testing.T) {
	conn := newTestConn(t)

	item, err := invoke[ItemResponse](t, conn, "RegisterStockItem", &RegisterItemRequest{
		Kind: "PRODUCT", Ref: "cola", InitialQty: 50, AlertThreshold: threshold(20),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), item.Quantity)

	sale, err := invoke[SaleResponse](t, conn, "RecordSale", &RecordSaleRequest{
		Lines: []SaleLineRequest{{ItemID: item.ID, Quantity: 45}},
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", sale.Status)

	_, err = invoke[SaleResponse](t, conn, "RecordSale", &RecordSaleRequest{
		Lines: []SaleLineRequest{{ItemID: item.ID, Quantity: 10}},
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	low, err := invoke[ItemListResponse](t, conn, "ListLowStock", &LowStockRequest{})
	require.NoError(t, err)
	require.Len(t, low.Items, 1)
	assert.Equal(t, int64(5), low.Items[0].Quantity)

	returned, err := invoke[SaleResponse](t, conn, "ReturnItem", &ReturnRequest{SaleItemID: sale.Items[0].ID, Quantity: 45})
	require.NoError(t, err)
	assert.Equal(t, "RETURNED", returned.Status)

	_, err = invoke[SaleResponse](t, conn, "CancelSale", &CancelRequest{SaleID: sale.ID, Reason: "void"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	history, err := invoke[HistoryResponse](t, conn, "GetHistory", &ItemRequest{ItemID: item.ID})
	require.NoError(t, err)
	assert.Len(t, history.Events, 3)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	conn := newTestConn(t)

	_, err := invoke[ItemResponse](t, conn, "GetStockItem", &ItemRequest{ItemID: 404})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke[ItemResponse](t, conn, "GetStockItem", &ItemRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke[SaleResponse](t, conn, "GetSale", &SaleRequest{SaleID: uuid.New()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	box, err := invoke[ItemResponse](t, conn, "RegisterStockItem", &RegisterItemRequest{
		Kind: "PACKAGING_VARIANT", Ref: "box", Variant: "small", InitialQty: 3,
	})
	require.NoError(t, err)

	_, err = invoke[ItemResponse](t, conn, "RegisterStockItem", &RegisterItemRequest{
		Kind: "PACKAGING_VARIANT", Ref: "box", Variant: "small",
	})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = invoke[QuantityResponse](t, conn, "RecordDamage", &DamageRequest{ItemID: box.ID, Quantity: 5, Reason: "crushed"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	qty, err := invoke[QuantityResponse](t, conn, "RecordRestock", &RestockRequest{ItemID: box.ID, Quantity: 4, RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), qty.Quantity)

	_, err = invoke[QuantityResponse](t, conn, "RecordRestock", &RestockRequest{ItemID: box.ID, Quantity: 4, RequestID: "r-1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	updated, err := invoke[ItemResponse](t, conn, "SetAlertThreshold", &ThresholdRequest{ItemID: box.ID, Threshold: threshold(10)})
	require.NoError(t, err)
	assert.True(t, updated.LowStock)
}

func TestGRPC_ItemLifecycle(t *testing.T) {
	conn := newTestConn(t)

	item, err := invoke[ItemResponse](t, conn, "RegisterStockItem", &RegisterItemRequest{
		Kind: "PRODUCT", Ref: "cola", InitialQty: 10, AlertThreshold: threshold(4),
	})
	require.NoError(t, err)

	low, err := invoke[LowStockResponse](t, conn, "IsLowStock", &ItemRequest{ItemID: item.ID})
	require.NoError(t, err)
	assert.False(t, low.LowStock)

	_, err = invoke[SaleResponse](t, conn, "RecordSale", &RecordSaleRequest{
		Lines: []SaleLineRequest{{ItemID: item.ID, Quantity: 7}},
	})
	require.NoError(t, err)

	low, err = invoke[LowStockResponse](t, conn, "IsLowStock", &ItemRequest{ItemID: item.ID})
	require.NoError(t, err)
	assert.True(t, low.LowStock)
	assert.Equal(t, item.ID, low.ItemID)

	act, err := invoke[ActivityResponse](t, conn, "GetActivity", &ActivityRequest{ItemID: item.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(10), act.Restocked)
	assert.Equal(t, int64(7), act.Sold)
	assert.Equal(t, int64(7), act.NetSold)

	past := time.Now().UTC().Add(-72 * time.Hour)
	until := past.Add(time.Hour)
	empty, err := invoke[ActivityResponse](t, conn, "GetActivity", &ActivityRequest{ItemID: item.ID, From: &past, To: &until})
	require.NoError(t, err)
	assert.Zero(t, empty.Sold)

	verified, err := invoke[VerifyResponse](t, conn, "VerifyStockItem", &ItemRequest{ItemID: item.ID})
	require.NoError(t, err)
	assert.True(t, verified.Consistent)

	_, err = invoke[EmptyResponse](t, conn, "RemoveStockItem", &ItemRequest{ItemID: item.ID})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	retired, err := invoke[ItemResponse](t, conn, "RetireStockItem", &ItemRequest{ItemID: item.ID})
	require.NoError(t, err)
	assert.True(t, retired.Retired)

	_, err = invoke[QuantityResponse](t, conn, "RecordRestock", &RestockRequest{ItemID: item.ID, Quantity: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_RemoveUnusedItem(t *testing.T) {
	conn := newTestConn(t)

	item, err := invoke[ItemResponse](t, conn, "RegisterStockItem", &RegisterItemRequest{Kind: "PRODUCT", Ref: "draft"})
	require.NoError(t, err)

	_, err = invoke[EmptyResponse](t, conn, "RemoveStockItem", &ItemRequest{ItemID: item.ID})
	require.NoError(t, err)

	_, err = invoke[ItemResponse](t, conn, "GetStockItem", &ItemRequest{ItemID: item.ID})
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = invoke[VerifyResponse](t, conn, "VerifyStockItem", &ItemRequest{ItemID: item.ID})
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = invoke[ActivityResponse](t, conn, "GetActivity", &ActivityRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
