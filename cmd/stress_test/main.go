package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/observability"
)

const (
	initialStock  = 20
	totalRequests = 50
	cartSize      = 2
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := observability.NewLogger("warn", cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()
	cache := storage.NewRedisAdapter(rdb)

	// The ledger runs in memory; Redis receives the stock mirror.
	ledger := service.NewInventoryService(nil, cache, nil, service.ServiceConfig{
		LockWaitTimeout: cfg.LockWaitTimeout,
		Logger:          logger,
	})

	run := uuid.NewString()[:8]
	items := make([]domain.StockItem, cartSize)
	for i := range items {
		threshold := int64(5)
		items[i], err = ledger.RegisterStockItem(ctx, domain.RegisterInput{
			Kind:           domain.ItemKindProduct,
			Ref:            fmt.Sprintf("stress-%s-%d", run, i),
			InitialQty:     initialStock,
			AlertThreshold: &threshold,
			SellingPrice:   decimal.NewFromInt(2),
		})
		if err != nil {
			log.Fatalf("failed to register item: %v", err)
		}
	}

	lines := make([]domain.SaleLine, 0, cartSize)
	for _, it := range items {
		lines = append(lines, domain.SaleLine{ItemID: it.ID, Quantity: 1})
	}

	var successCount, shortCount, busyCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := range totalRequests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.RecordSale(ctx, service.RecordSaleInput{
				Lines:     lines,
				ActorID:   fmt.Sprintf("user-%d", i),
				RequestID: fmt.Sprintf("%s-%d", run, i),
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortCount.Add(1)
			case errors.Is(err, domain.ErrBusy):
				busyCount.Add(1)
			default:
				log.Printf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	short := shortCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d per item, %d items\n", initialStock, cartSize)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Insufficient:     %d\n", short)
	fmt.Printf("Busy:             %d\n", busyCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && short == totalRequests-initialStock {
		fmt.Printf("PASS: exactly %d sales succeeded, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: expected %d success/%d rejected, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, short)
	}

	for _, it := range items {
		current, err := ledger.GetStockItem(ctx, it.ID)
		if err != nil {
			log.Fatalf("failed to read item %d: %v", it.ID, err)
		}
		mirrored, ok, err := cache.GetStock(ctx, it.ID)
		if err != nil || !ok {
			fmt.Printf("FAIL: item %d missing from redis mirror: %v\n", it.ID, err)
			continue
		}
		if err := ledger.Verify(ctx, it.ID); err != nil {
			fmt.Printf("FAIL: item %d replay mismatch: %v\n", it.ID, err)
			continue
		}
		if current.Quantity == 0 && mirrored == 0 {
			fmt.Printf("PASS: item %d depleted to 0, mirror agrees, replay holds\n", it.ID)
		} else {
			fmt.Printf("FAIL: item %d ledger=%d mirror=%d, expected 0\n", it.ID, current.Quantity, mirrored)
		}
	}
}
