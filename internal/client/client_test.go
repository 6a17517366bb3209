package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-fault-monitor/internal/api"
	"battery-fault-monitor/internal/db"
	"battery-fault-monitor/internal/models"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newClient(t *testing.T) *Client {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(api.NewServer(store, slog.New(slog.NewTextHandler(io.Discard, nil))).Router())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", WithHTTPClient(srv.Client()))
}

func sample(busID string, i int) models.TelemetrySample {
	return models.TelemetrySample{
		Timestamp:          t0.Add(time.Duration(i) * 5 * time.Second),
		BusID:              busID,
		CellVoltage:        3.68,
		CellMinTemp:        27.5,
		CellMaxTemp:        30.25,
		EnergyEfficiency:   90.5,
		CurrentDrivingMode: models.ModeBraking,
		BatterySOH:         98.75,
		CurrentFaultType:   models.FaultEfficiencyLoss,
	}
}

func TestTelemetryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	require.NoError(t, c.PostSample(ctx, sample("BUS001", 0)))
	n, err := c.PostSamples(ctx, []models.TelemetrySample{sample("BUS001", 1), sample("BUS002", 0)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := c.LatestTelemetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "BUS001", got[0].BusID)
	assert.Equal(t, t0.Add(5*time.Second), got[0].Timestamp)

	want := sample("BUS001", 1)
	want.ID = got[0].ID
	assert.Equal(t, want, got[0])
}

func TestPredictionRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	rec := models.PredictionRecord{
		BusID:                "BUS003",
		TimestampDataEnd:     t0,
		PredictedAt:          t0.Add(2 * time.Second),
		FaultType:            "normal",
		FaultReason:          "Battery is operating within normal parameters.",
		Prob5Min:             0.12,
		Prob30Min:            0.4,
		IsFaultImminent30Min: false,
		ModelVersion:         "v1",
	}
	require.NoError(t, c.PostPrediction(ctx, rec))

	got, err := c.LatestPredictions(ctx, "BUS003", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	rec.ID = got[0].ID
	assert.Equal(t, rec, got[0])

	none, err := c.LatestPredictions(ctx, "BUS999", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatusError(t *testing.T) {
	c := newClient(t)
	bad := sample("BUS001", 0)
	bad.BatterySOH = 140

	err := c.PostSample(context.Background(), bad)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Message, "battery_soh")
}

func TestNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).LatestTelemetry(context.Background(), 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
}
