// Package metrics writes reserve telemetry to InfluxDB: one point per
// applied mutation, carrying the asset's reserve ratio, reserves and
// supply so backing can be charted over time.
package metrics

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/openreserve/reserved/pkg/bps"
)

// Recorder writes measurement points.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewRecorder connects to InfluxDB. URL may be empty in which case the
// caller should not construct a recorder at all; this constructor assumes
// a configured endpoint.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// RecordBacking writes the asset's post-mutation backing state.
func (r *Recorder) RecordBacking(ctx context.Context, operation string, assetID, reserves, supply, ratioBps, height uint64) error {
	ratio, _ := bps.Decimal(ratioBps).Float64()
	point := influxdb2.NewPointWithMeasurement("reserve_backing").
		AddTag("operation", operation).
		AddField("asset_id", int64(assetID)).
		AddField("reserves", float64(reserves)).
		AddField("supply", float64(supply)).
		AddField("ratio_bps", int64(ratioBps)).
		AddField("ratio", ratio).
		AddField("height", int64(height)).
		SetTime(time.Now())

	return r.writeAPI.WritePoint(ctx, point)
}

// RecordAudit writes an audit outcome.
func (r *Recorder) RecordAudit(ctx context.Context, assetID, auditID, ratioBps uint64, verified bool) error {
	point := influxdb2.NewPointWithMeasurement("reserve_audit").
		AddTag("verified", boolTag(verified)).
		AddField("asset_id", int64(assetID)).
		AddField("audit_id", int64(auditID)).
		AddField("ratio_bps", int64(ratioBps)).
		SetTime(time.Now())

	return r.writeAPI.WritePoint(ctx, point)
}

// Close shuts down the client.
func (r *Recorder) Close() {
	r.client.Close()
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
