// Package metrics exposes the bridge's Prometheus metrics.
//
// Recorder receives measurements from the plejd supervisor and dispatcher.
// Dispatcher and bridge counters that already live in those components
// are read at scrape time through counter functions.
//
// Exported series:
//
//	plejd_events_total{kind}
//	plejd_frames_unrecognized_total
//	plejd_commands_total{result}
//	plejd_reconnects_total
//	plejd_connection_state{state}
//	plejd_dispatcher_*_total
//	plejd_bridge_events_dropped_total
//
// plus the Go runtime and process collectors.
package metrics
