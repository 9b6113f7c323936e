// Package storage wires the bandwatch telemetry store and its engines.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Ingest    │────▶│ Sample Store│────▶│   Rollup    │
//	│  (per batch)│     │  (badger)   │◀────│   Engine    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                       │       ▲
//	                       ▼       │
//	                ┌─────────────┐ ┌─────────────┐
//	                │ Compression │ │  Retention  │
//	                │  (parquet)  │ │   Manager   │
//	                └─────────────┘ └─────────────┘
//	                       │
//	                       ▼
//	                ┌─────────────┐
//	                │    Query    │
//	                │  (duckdb)   │
//	                └─────────────┘
//
// Every table (dimension x raw|hourly) is partitioned by UTC day. A
// partition starts hot in badger, is sealed and exported to a Parquet
// file once it passes its compression horizon, and is dropped as a whole
// once it passes its retention horizon. Hourly rollups are recomputed over
// a sliding window and replaced per bucket, so reruns converge.
//
// The engines run as scheduler tasks (see Tasks) and take a lease per
// table so overlapping runs from several processes skip rather than race.
package storage
