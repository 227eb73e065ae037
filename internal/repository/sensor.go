package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Sbollman011/brewski-sub000/internal/models"

	"go.uber.org/zap"
)

// SensorRepository 传感器与遥测数据仓库（PostgreSQL）
type SensorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSensorRepository 创建传感器仓库
func NewSensorRepository(db *sql.DB, logger *zap.Logger) *SensorRepository {
	return &SensorRepository{
		db:     db,
		logger: logger,
	}
}

// ResolveOrCreateSensor 解析或懒创建传感器
// 查找顺序：精确key → 忽略大小写key → topic_key，均未命中时插入新行
func (r *SensorRepository) ResolveOrCreateSensor(
	ctx context.Context,
	customerID int64,
	key, topicKey, sensorType, unit string,
) (*models.Sensor, error) {
	sensor, err := r.findSensor(ctx, customerID, key, topicKey)
	if err != nil {
		return nil, err
	}
	if sensor != nil {
		return sensor, nil
	}

	query := `
		INSERT INTO sensors (customer_id, sensor_key, topic_key, sensor_type, unit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, query, customerID, key, topicKey, sensorType, unit).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create sensor: %w", err)
	}

	r.logger.Info("Created sensor on first sighting",
		zap.Int64("sensor_id", id),
		zap.Int64("customer_id", customerID),
		zap.String("key", key),
		zap.String("type", sensorType),
	)

	return &models.Sensor{
		ID:         id,
		CustomerID: customerID,
		Key:        key,
		TopicKey:   topicKey,
		Type:       sensorType,
		Unit:       unit,
	}, nil
}

// findSensor 按三级回退查找传感器，未找到返回(nil, nil)
func (r *SensorRepository) findSensor(ctx context.Context, customerID int64, key, topicKey string) (*models.Sensor, error) {
	queries := []struct {
		where string
		arg   string
	}{
		{"sensor_key = $2", key},
		{"LOWER(sensor_key) = LOWER($2)", key},
		{"topic_key = $2", topicKey},
	}

	for _, q := range queries {
		if q.arg == "" {
			continue
		}
		query := `
			SELECT id, customer_id, sensor_key, topic_key, sensor_type, unit, last_value, last_ts, last_raw
			FROM sensors
			WHERE customer_id = $1 AND ` + q.where + `
			LIMIT 1
		`
		sensor, err := r.scanSensor(r.db.QueryRowContext(ctx, query, customerID, q.arg))
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("failed to query sensor: %w", err)
		}
		return sensor, nil
	}

	return nil, nil
}

// scanSensor 扫描一行sensor记录
func (r *SensorRepository) scanSensor(row *sql.Row) (*models.Sensor, error) {
	var s models.Sensor
	var lastValue sql.NullFloat64
	var lastTS sql.NullInt64
	var lastRaw sql.NullString

	err := row.Scan(&s.ID, &s.CustomerID, &s.Key, &s.TopicKey, &s.Type, &s.Unit, &lastValue, &lastTS, &lastRaw)
	if err != nil {
		return nil, err
	}

	if lastValue.Valid {
		s.LastValue = &lastValue.Float64
	}
	if lastTS.Valid {
		s.LastTS = lastTS.Int64
	}
	if lastRaw.Valid {
		s.LastRaw = lastRaw.String
	}

	return &s, nil
}

// InsertTelemetry 追加一条遥测记录（append-only）
func (r *SensorRepository) InsertTelemetry(ctx context.Context, sensorID int64, ts int64, value float64, raw string) error {
	query := `
		INSERT INTO telemetry (sensor_id, ts, value, raw)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, sensorID, ts, value, raw)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}

	return nil
}

// UpdateLatest 更新传感器last known字段（ts早于已存储值时no-op）
func (r *SensorRepository) UpdateLatest(ctx context.Context, sensorID int64, value float64, ts int64, raw string) error {
	query := `
		UPDATE sensors
		SET last_value = $2, last_ts = $3, last_raw = $4
		WHERE id = $1 AND (last_ts IS NULL OR last_ts <= $3)
	`

	_, err := r.db.ExecContext(ctx, query, sensorID, value, ts, raw)
	if err != nil {
		return fmt.Errorf("failed to update sensor latest: %w", err)
	}

	return nil
}

// ResolveCustomerBySlug 按站点slug解析客户ID
func (r *SensorRepository) ResolveCustomerBySlug(ctx context.Context, slug string) (int64, error) {
	query := `
		SELECT id FROM customers WHERE UPPER(slug) = UPPER($1) LIMIT 1
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query, slug).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("customer not found: %s", slug)
		}
		return 0, fmt.Errorf("failed to query customer: %w", err)
	}

	return id, nil
}
