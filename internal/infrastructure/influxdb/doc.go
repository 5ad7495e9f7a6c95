// Package influxdb provides time-series connectivity for Hearth Core.
//
// The telemetry recorder mirrors bus activity into InfluxDB through this
// wrapper. Writes are non-blocking and batched; async write failures are
// surfaced through an error callback rather than the write path so that
// recording telemetry can never slow down event dispatch.
package influxdb
