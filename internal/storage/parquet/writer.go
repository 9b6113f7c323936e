package parquet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// PageSize is the target page size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		PageSize:         1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(opts Options) compress.Codec {
	switch opts.Compression {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		if opts.CompressionLevel > 0 {
			return &zstd.Codec{Level: zstdLevel(opts.CompressionLevel)}
		}
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	default:
		return &parquet.Uncompressed
	}
}

// zstdLevel maps a numeric zstd level onto the encoder presets.
func zstdLevel(level int) zstd.Level {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func writerOptions(opts Options) []parquet.WriterOption {
	wo := []parquet.WriterOption{
		parquet.Compression(getCompression(opts)),
	}
	if opts.PageSize > 0 {
		wo = append(wo, parquet.PageBufferSize(opts.PageSize))
	}
	return wo
}

// FileResult describes a committed Parquet file.
type FileResult struct {
	Path     string
	Rows     int64
	Bytes    int64
	Checksum uint64 // xxhash64 of the file contents
}

// atomicFile writes to a temp file next to the destination and renames it
// into place on commit. Every written byte is hashed.
type atomicFile struct {
	path   string
	tmp    *os.File
	hash   *xxhash.Digest
	bytes  int64
	output io.Writer
}

func createAtomic(path string) (*atomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	a := &atomicFile{path: path, tmp: f, hash: xxhash.New()}
	a.output = io.MultiWriter(f, a.hash)
	return a, nil
}

func (a *atomicFile) Write(p []byte) (int, error) {
	n, err := a.output.Write(p)
	a.bytes += int64(n)
	return n, err
}

// commit fsyncs the temp file, renames it over the destination and fsyncs
// the directory.
func (a *atomicFile) commit() error {
	if err := a.tmp.Sync(); err != nil {
		a.abort()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := a.tmp.Close(); err != nil {
		os.Remove(a.tmp.Name())
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(a.tmp.Name(), a.path); err != nil {
		os.Remove(a.tmp.Name())
		return fmt.Errorf("rename file: %w", err)
	}
	if d, err := os.Open(filepath.Dir(a.path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (a *atomicFile) abort() {
	a.tmp.Close()
	os.Remove(a.tmp.Name())
}

// SampleWriter writes samples to a Parquet file. Nothing is visible at
// the destination path until Commit.
type SampleWriter struct {
	mu       sync.Mutex
	file     *atomicFile
	writer   *parquet.GenericWriter[SampleRow]
	rowCount int64
	closed   bool
}

// NewSampleWriter creates a new sample Parquet writer.
func NewSampleWriter(path string, opts Options) (*SampleWriter, error) {
	f, err := createAtomic(path)
	if err != nil {
		return nil, err
	}

	return &SampleWriter{
		file:   f,
		writer: parquet.NewGenericWriter[SampleRow](f, writerOptions(opts)...),
	}, nil
}

// Write writes samples to the Parquet file.
func (w *SampleWriter) Write(samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]SampleRow, len(samples))
	for i := range samples {
		rows[i] = SampleToRow(&samples[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Commit finishes the file and moves it into place.
func (w *SampleWriter) Commit() (FileResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return FileResult{}, ErrWriterClosed
	}
	w.closed = true

	return commitWriter(w.writer, w.file, w.rowCount)
}

// Abort discards the temp file.
func (w *SampleWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.file.abort()
}

// RowCount returns the number of rows written.
func (w *SampleWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// RollupWriter writes hourly rollups to a Parquet file.
type RollupWriter struct {
	mu       sync.Mutex
	file     *atomicFile
	writer   *parquet.GenericWriter[RollupRow]
	rowCount int64
	closed   bool
}

// NewRollupWriter creates a new rollup Parquet writer.
func NewRollupWriter(path string, opts Options) (*RollupWriter, error) {
	f, err := createAtomic(path)
	if err != nil {
		return nil, err
	}

	return &RollupWriter{
		file:   f,
		writer: parquet.NewGenericWriter[RollupRow](f, writerOptions(opts)...),
	}, nil
}

// Write writes rollups to the Parquet file.
func (w *RollupWriter) Write(rollups []types.HourlyRollup) error {
	if len(rollups) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]RollupRow, len(rollups))
	for i := range rollups {
		rows[i] = RollupToRow(&rollups[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Commit finishes the file and moves it into place.
func (w *RollupWriter) Commit() (FileResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return FileResult{}, ErrWriterClosed
	}
	w.closed = true

	return commitWriter(w.writer, w.file, w.rowCount)
}

// Abort discards the temp file.
func (w *RollupWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.file.abort()
}

// RowCount returns the number of rows written.
func (w *RollupWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

func commitWriter(pw io.Closer, f *atomicFile, rows int64) (FileResult, error) {
	if err := pw.Close(); err != nil {
		f.abort()
		return FileResult{}, fmt.Errorf("close writer: %w", err)
	}
	if err := f.commit(); err != nil {
		return FileResult{}, err
	}

	return FileResult{
		Path:     f.path,
		Rows:     rows,
		Bytes:    f.bytes,
		Checksum: f.hash.Sum64(),
	}, nil
}

// Checksum returns the xxhash64 of a file's contents.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
