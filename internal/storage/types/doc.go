// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Dimension: the tagged variant a sample belongs to (application,
//     category, client, device health)
//   - Sample: one raw row per time x device x dimension key
//   - HourlyRollup: hourly aggregate of raw samples
//   - Table / Partition: the logical table and day-sized unit that
//     retention and compression operate on
package types
