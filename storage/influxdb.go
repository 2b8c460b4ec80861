package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/transformer"
)

const (
	influxMeasurement    = "device_events"
	influxConnectTimeout = 10 * time.Second
	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

// ErrInfluxUnhealthy is returned when the server answers the ping as not ready
var ErrInfluxUnhealthy = errors.New("influxdb: server not healthy")

// InfluxStorage writes one point per event to an InfluxDB bucket. Writes
// are batched by the client and sent asynchronously.
type InfluxStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	now      func() time.Time
}

// NewInfluxStorage connects to InfluxDB and verifies it with a ping
func NewInfluxStorage(cfg config.InfluxDBStorageConfig) (*InfluxStorage, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnhealthy
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Error("influxdb write failed: %v", err)
		}
	}()

	logger.Info("init InfluxDB storage: %s (bucket %s)", cfg.URL, cfg.Bucket)
	return &InfluxStorage{
		client:   client,
		writeAPI: writeAPI,
		now:      time.Now,
	}, nil
}

// Store queues a point per event; it does not wait for the write
func (is *InfluxStorage) Store(_ context.Context, events []transformer.DeviceEvent) error {
	now := is.now()
	for _, event := range events {
		point, err := eventPoint(event, now)
		if err != nil {
			return err
		}
		is.writeAPI.WritePoint(point)
	}
	return nil
}

// eventPoint maps an event to a device_events point
func eventPoint(event transformer.DeviceEvent, ts time.Time) (*write.Point, error) {
	row, err := eventRow(event)
	if err != nil {
		return nil, err
	}

	tags := map[string]string{
		"device_type": event.DeviceType,
		"snid":        event.SNID,
		"gateway_id":  event.GatewayID,
		"data_type":   string(event.DataType),
	}
	if event.Type != "" {
		tags["type"] = event.Type
	}

	fields := map[string]any{
		"count":   1,
		"payload": row[len(row)-1],
	}
	if event.EventID != "" {
		fields["event_id"] = event.EventID
	}
	if user, ok := event.User(); ok {
		fields["user_id"] = user
	}

	return write.NewPoint(influxMeasurement, tags, fields, ts), nil
}

// Close flushes pending points and closes the client
func (is *InfluxStorage) Close() error {
	if is.client == nil {
		return nil
	}
	is.writeAPI.Flush()
	is.client.Close()
	logger.Info("InfluxDB connection closed")
	return nil
}
