package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-fault-monitor/internal/models"
)

func TestPostPrediction(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	defer pub.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	sub := rdb.Subscribe(ctx, PredictionChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	rec := models.PredictionRecord{
		BusID:               "BUS001",
		TimestampDataEnd:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		PredictedAt:         time.Date(2024, 5, 1, 8, 0, 3, 0, time.UTC),
		FaultType:           "overheat_fault",
		FaultReason:         "Battery pack temperature is at a dangerous level.",
		Prob5Min:            0.82,
		IsFaultImminent5Min: true,
	}
	require.NoError(t, pub.PostPrediction(ctx, rec))

	state, ok, err := pub.LatestPrediction(ctx, "BUS001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, state)
	assert.Equal(t, "0.82", mr.HGet(PredictionKey("BUS001"), "prob_5min"))
	assert.Equal(t, DefaultStateTTL, mr.TTL(PredictionKey("BUS001")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got models.PredictionRecord
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, rec, got)

	mr.FastForward(DefaultStateTTL + time.Second)
	_, ok, err = pub.LatestPrediction(ctx, "BUS001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisPublisher(context.Background(), addr, "", 0)
	assert.Error(t, err)
}

func TestLatestPredictionUnknownBus(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	defer pub.Close()

	_, ok, err := pub.LatestPrediction(ctx, "BUS404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestPredictionCorruptState(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	defer pub.Close()

	mr.HSet(PredictionKey("BUS001"), "bus_id", "BUS001", "prob_5min", "high")
	_, ok, err := pub.LatestPrediction(ctx, "BUS001")
	assert.ErrorContains(t, err, "prob_5min")
	assert.False(t, ok)
}
