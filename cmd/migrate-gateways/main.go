package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"payment-service/config"
	"payment-service/internal/redisclient"
	"payment-service/internal/store"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// BatchRenamer rewrites gateway ids one batch at a time
type BatchRenamer interface {
	RenameGatewayBatch(ctx context.Context, table, oldID, newID string, cursor int64, limit int) (int64, int64, error)
}

// CursorStore persists migration progress between runs
type CursorStore interface {
	GetCursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, cursor int64) error
	DeleteCursor(ctx context.Context, name string) error
}

func main() {
	oldID := flag.String("from", "", "gateway id to replace")
	newID := flag.String("to", "", "new gateway id")
	batch := flag.Int("batch", 500, "rows per batch")
	tables := flag.String("tables", "orders,payment_tokens", "comma separated tables to migrate")
	flag.Parse()

	if *oldID == "" || *newID == "" || *oldID == *newID {
		fmt.Fprintln(os.Stderr, "usage: migrate-gateways -from <old id> -to <new id> [-batch n] [-tables list]")
		os.Exit(2)
	}

	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, table := range strings.Split(*tables, ",") {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		changed, err := migrateTable(ctx, db, redisClient, table, *oldID, *newID, *batch)
		if err != nil {
			logger.Fatal("Gateway migration failed", zap.String("table", table), zap.Error(err))
		}
		logger.Info("Table migrated",
			zap.String("table", table),
			zap.String("from", *oldID),
			zap.String("to", *newID),
			zap.Int64("rows", changed))
	}
}

// migrateTable renames a gateway id across table, resuming from the stored
// cursor. The cursor is saved after every batch and removed when done.
func migrateTable(ctx context.Context, renamer BatchRenamer, cursors CursorStore, table, oldID, newID string, batch int) (int64, error) {
	name := cursorName(table, oldID, newID)

	cursor, err := cursors.GetCursor(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		next, changed, err := renamer.RenameGatewayBatch(ctx, table, oldID, newID, cursor, batch)
		if err != nil {
			return total, err
		}
		total += changed

		if next == 0 {
			if err := cursors.DeleteCursor(ctx, name); err != nil {
				return total, fmt.Errorf("failed to clear cursor: %w", err)
			}
			return total, nil
		}

		if err := cursors.SetCursor(ctx, name, next); err != nil {
			return total, fmt.Errorf("failed to save cursor: %w", err)
		}
		cursor = next
	}
}

func cursorName(table, oldID, newID string) string {
	return fmt.Sprintf("migrate-gateways:%s:%s:%s", table, oldID, newID)
}
