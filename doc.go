// Package gpsgate is a GPS telemetry ingestion gateway. It accepts raw
// byte streams from vehicle-mounted GPS devices over TCP and UDP, routes
// each frame to a protocol-specific decoder plugin, normalizes the result
// into a canonical position record, validates it, and publishes it as
// JSON onto Kafka with per-device partition ordering.
//
// # Architecture
//
// Data flows in one direction: byte frame -> decoder -> canonical record
// -> publisher -> bus.
//
//   - input/tcp, input/udp: the connection layer; per-session reader
//     loops and a stateless datagram receiver feeding the pipeline from
//     a shared buffer pool (pkg/bufpool).
//   - plugin: the decoder registry; matches leading bytes to a decoder
//     in registration order. plugin/nmea is the reference decoder.
//   - pipeline: the bounded, back-pressured decode-validate-enrich-
//     publish path on a keyed worker pool (pkg/worker) that keeps
//     frames from one TCP session in order.
//   - validate: record invariants and the quality score.
//   - publish: the Kafka publisher; batching, compression, per-device
//     partition keys, retries, and a circuit breaker (resilience,
//     pkg/retry, pkg/breaker).
//   - gateway/http: the admin surface (/health, /stats, /metrics).
//   - service: the composition root and shutdown sequencing.
//
// Errors never propagate past the pipeline boundary: every frame
// terminates in a published record, a counted drop, or a bounded
// retry-then-drop. The gateway holds no state between runs.
package gpsgate
