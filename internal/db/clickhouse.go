package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/config"
	"imgscan-server/internal/models"
)

// ClickHouseClient wraps the ClickHouse connection
type ClickHouseClient struct {
	conn driver.Conn
	cfg  config.ClickHouseConfig
}

// NewClickHouseClient creates a new ClickHouse client
func NewClickHouseClient(cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to ClickHouse")

	return &ClickHouseClient{conn: conn, cfg: cfg}, nil
}

// Close closes the ClickHouse connection
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping checks if the connection is alive
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// ========== Hash Reputation Source ==========

// Name identifies this source in logs
func (c *ClickHouseClient) Name() string {
	return "clickhouse:ioc_store"
}

// LoadHashes returns every file-hash IOC held in the IOC store
func (c *ClickHouseClient) LoadHashes(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT ioc_value
		FROM threat_intel.ioc_store
		WHERE ioc_type IN ('md5', 'sha1', 'sha256')
	`

	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hash IOCs: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		hashes = append(hashes, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.Info().Int("count", len(hashes)).Msg("Loaded hash IOCs from ClickHouse")
	return hashes, nil
}

// ========== Scan Audit Operations ==========

// EnsureAuditTable creates the scan event table when missing
func (c *ClickHouseClient) EnsureAuditTable(ctx context.Context) error {
	return c.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS threat_intel.image_scan_events (
			scan_id String,
			filename String,
			sha256 FixedString(64),
			file_size UInt64,
			tier LowCardinality(String),
			risk_level LowCardinality(String),
			detected_format LowCardinality(String),
			finding_count UInt32,
			categories Array(String),
			rule_names Array(String),
			duration_ms Float64,
			quarantined Bool,
			scanned_at DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (scanned_at, sha256)
	`)
}

// BatchInsertScanEvents inserts a batch of scan events
func (c *ClickHouseClient) BatchInsertScanEvents(ctx context.Context, events []models.ScanEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO threat_intel.image_scan_events
		(scan_id, filename, sha256, file_size, tier, risk_level, detected_format, finding_count, categories, rule_names, duration_ms, quarantined, scanned_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		err := batch.Append(
			ev.ScanID,
			ev.Filename,
			ev.SHA256,
			ev.FileSize,
			ev.Tier,
			ev.RiskLevel,
			ev.DetectedFormat,
			ev.FindingCount,
			ev.Categories,
			ev.RuleNames,
			ev.DurationMS,
			ev.Quarantined,
			ev.ScannedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().Int("count", len(events)).Msg("Batch inserted scan events")
	return nil
}

// GetScanStats returns the number of audited scans by risk level
func (c *ClickHouseClient) GetScanStats(ctx context.Context) (map[string]uint64, error) {
	query := `
		SELECT risk_level, count() as cnt
		FROM threat_intel.image_scan_events
		GROUP BY risk_level
	`

	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]uint64)
	for rows.Next() {
		var level string
		var count uint64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		stats[level] = count
	}

	return stats, nil
}
