// Package influxdb provides InfluxDB connectivity for the Plejd bridge.
//
// It wraps the official influxdb-client-go v2 library. The client batches
// mesh events, counts delivery failures for the metrics endpoint and
// answers the bridge health reporter's reachability check.
//
// # Purpose
//
// Every state change and mesh event the bridge publishes is also written
// to the "plejd_events" measurement, tagged by event kind, device id and
// mesh address. This gives a history of switching, dimming, motion and
// scene activity for analysis.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteMeshEvent("dim", "dev-hall", "11", map[string]any{"on": true, "level": 128})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking. Batch errors are counted in Stats and
// reported via the SetOnError callback. Connection and health check errors
// are returned directly.
package influxdb
