// Package parquet implements Parquet file reading and writing for
// compressed partitions.
//
// The package provides:
//   - SampleWriter/SampleReader for raw sample partitions
//   - RollupWriter/RollupReader for hourly rollup partitions
//   - Atomic file creation (temp file, fsync, rename) with an xxhash
//     checksum of the written bytes
//   - Type conversion between storage types and Parquet rows
package parquet
