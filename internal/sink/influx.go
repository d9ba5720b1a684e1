package sink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/eventbus"
)

const (
	influxConnectTimeout = 10 * time.Second
	influxMeasurement    = "meter"
)

// Influx writes numeric and boolean entity states as points of the "meter"
// measurement tagged with device and entity.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// ConnectInflux creates the client, pings the server and starts the
// non-blocking batched writer.
func ConnectInflux(cfg config.InfluxDBConfig) (*Influx, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
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
		return nil, fmt.Errorf("%w: influxdb ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: influxdb not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}(writeAPI.Errors())

	return &Influx{client: client, writeAPI: writeAPI}, nil
}

// Name implements Sink.
func (i *Influx) Name() string { return "influxdb" }

// Handle implements Sink.
func (i *Influx) Handle(event eventbus.Event) {
	if p, ok := pointFor(event.State); ok {
		i.writeAPI.WritePoint(p)
	}
}

// pointFor builds the point for a state. Values that are not numbers or
// booleans only record availability.
func pointFor(st eventbus.State) (*write.Point, bool) {
	if st.DeviceID == "" || st.Entity == "" {
		return nil, false
	}

	fields := map[string]interface{}{"available": st.Available}
	switch v := st.Value.(type) {
	case float64, bool:
		fields["value"] = v
	case float32:
		fields["value"] = float64(v)
	case int:
		fields["value"] = float64(v)
	case int64:
		fields["value"] = float64(v)
	case uint64:
		fields["value"] = float64(v)
	}
	if delta, ok := st.Attributes["delta_added"].(float64); ok {
		fields["delta_added"] = delta
	}

	at := st.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		influxMeasurement,
		map[string]string{
			"device": st.DeviceID,
			"entity": st.Entity,
		},
		fields,
		at,
	), true
}

// Close flushes pending points and closes the client.
func (i *Influx) Close(ctx context.Context) error {
	i.writeAPI.Flush()
	i.client.Close()
	return nil
}
