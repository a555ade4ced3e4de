// Package archive 把发起的警报记录到PostgreSQL，供离线分析。
// 完全尽力而为：投递不依赖归档，归档失败只记日志。
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"GlassRelay/internal/alerts"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS safety_alerts (
    id              BIGSERIAL PRIMARY KEY,
    origin_session  TEXT        NOT NULL,
    origin_user     TEXT        NOT NULL,
    trigger_word    TEXT        NOT NULL DEFAULT '',
    message         TEXT        NOT NULL,
    target_count    INT         NOT NULL,
    event_ts        TIMESTAMPTZ NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertAlertSQL = `
INSERT INTO safety_alerts (origin_session, origin_user, trigger_word, message, target_count, event_ts)
VALUES ($1, $2, $3, $4, $5, $6)`

// Recorder 警报归档器
type Recorder struct {
	pool *pgxpool.Pool
}

// Connect 建立连接池并确保归档表存在
func Connect(ctx context.Context, dsn string) (*Recorder, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive dsn: %w", err)
	}

	// 归档是旁路，连接池保持小规格
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure archive table: %w", err)
	}

	log.Printf("Alert archive connected")
	return &Recorder{pool: pool}, nil
}

// RecordAlert 异步写入一条警报记录，失败只记日志
func (r *Recorder) RecordAlert(event alerts.Event, targetCount int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := r.pool.Exec(ctx, insertAlertSQL,
			event.OriginSessionID,
			event.OriginUserID,
			event.TriggerWord,
			event.Message,
			targetCount,
			time.UnixMilli(event.Timestamp),
		)
		if err != nil {
			log.Printf("Archive alert failed: %v", err)
		}
	}()
}

// Close 关闭连接池
func (r *Recorder) Close() {
	r.pool.Close()
}
