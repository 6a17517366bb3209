// Package publish pushes prediction records to Redis: the latest record of
// each bus is kept in a hash and every record is broadcast on a channel.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"battery-fault-monitor/internal/models"
)

const (
	PredictionChannel = "fleet:predictions"
	DefaultStateTTL   = 10 * time.Minute
)

// PredictionKey is the hash holding a bus's latest prediction.
func PredictionKey(busID string) string {
	return fmt.Sprintf("bus:%s:prediction", busID)
}

type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPublisher connects and pings.
func NewRedisPublisher(ctx context.Context, addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, ttl: DefaultStateTTL}, nil
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

// PostPrediction stores rec as the bus's latest prediction and publishes it.
func (r *RedisPublisher) PostPrediction(ctx context.Context, rec models.PredictionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	state := map[string]interface{}{
		"bus_id":                  rec.BusID,
		"fault_type":              rec.FaultType,
		"fault_reason":            rec.FaultReason,
		"prob_5min":               rec.Prob5Min,
		"prob_30min":              rec.Prob30Min,
		"is_fault_imminent_5min":  rec.IsFaultImminent5Min,
		"is_fault_imminent_30min": rec.IsFaultImminent30Min,
		"timestamp_data_end":      rec.TimestampDataEnd.Unix(),
		"predicted_at":            rec.PredictedAt.Unix(),
		"model_version":           rec.ModelVersion,
	}
	key := PredictionKey(rec.BusID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, state)
	pipe.Expire(ctx, key, r.ttl)
	pipe.Publish(ctx, PredictionChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// LatestPrediction reads back the stored state of one bus. ok is false when
// nothing is stored or it has expired. Timestamps come back at second
// precision.
func (r *RedisPublisher) LatestPrediction(ctx context.Context, busID string) (models.PredictionRecord, bool, error) {
	vals, err := r.client.HGetAll(ctx, PredictionKey(busID)).Result()
	if err != nil {
		return models.PredictionRecord{}, false, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(vals) == 0 {
		return models.PredictionRecord{}, false, nil
	}

	rec, err := decodeState(vals)
	if err != nil {
		return models.PredictionRecord{}, false, fmt.Errorf("bad prediction state for %s: %w", busID, err)
	}
	return rec, true, nil
}

func decodeState(vals map[string]string) (models.PredictionRecord, error) {
	rec := models.PredictionRecord{
		BusID:        vals["bus_id"],
		FaultType:    vals["fault_type"],
		FaultReason:  vals["fault_reason"],
		ModelVersion: vals["model_version"],
	}

	var err error
	if rec.Prob5Min, err = strconv.ParseFloat(vals["prob_5min"], 64); err != nil {
		return rec, fmt.Errorf("prob_5min: %w", err)
	}
	if rec.Prob30Min, err = strconv.ParseFloat(vals["prob_30min"], 64); err != nil {
		return rec, fmt.Errorf("prob_30min: %w", err)
	}
	if rec.IsFaultImminent5Min, err = strconv.ParseBool(vals["is_fault_imminent_5min"]); err != nil {
		return rec, fmt.Errorf("is_fault_imminent_5min: %w", err)
	}
	if rec.IsFaultImminent30Min, err = strconv.ParseBool(vals["is_fault_imminent_30min"]); err != nil {
		return rec, fmt.Errorf("is_fault_imminent_30min: %w", err)
	}
	if rec.TimestampDataEnd, err = unixField(vals, "timestamp_data_end"); err != nil {
		return rec, err
	}
	if rec.PredictedAt, err = unixField(vals, "predicted_at"); err != nil {
		return rec, err
	}
	return rec, nil
}

func unixField(vals map[string]string, key string) (time.Time, error) {
	sec, err := strconv.ParseInt(vals[key], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
