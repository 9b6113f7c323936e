package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// DefaultChunkSize is the number of rows read per chunk by lazy readers.
const DefaultChunkSize = 4096

// SampleReader reads samples from a Parquet file.
type SampleReader struct {
	file   *os.File
	reader *parquet.GenericReader[SampleRow]
	path   string
}

// NewSampleReader creates a new sample Parquet reader.
func NewSampleReader(path string) (*SampleReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[SampleRow](f, parquet.ReadBufferSize(1024*1024))

	return &SampleReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n samples from the file. It returns io.EOF once the
// file is exhausted and no rows were read.
func (r *SampleReader) Read(n int) ([]types.Sample, error) {
	rows := make([]SampleRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if count == 0 {
		return nil, io.EOF
	}

	samples := make([]types.Sample, count)
	for i := 0; i < count; i++ {
		samples[i] = RowToSample(&rows[i])
	}

	return samples, nil
}

// ReadAll reads all samples from the file.
func (r *SampleReader) ReadAll() ([]types.Sample, error) {
	var all []types.Sample
	for {
		chunk, err := r.Read(DefaultChunkSize)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
}

// NumRows returns the total number of rows in the file.
func (r *SampleReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *SampleReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *SampleReader) Path() string {
	return r.path
}

// RollupReader reads hourly rollups from a Parquet file.
type RollupReader struct {
	file   *os.File
	reader *parquet.GenericReader[RollupRow]
	path   string
}

// NewRollupReader creates a new rollup Parquet reader.
func NewRollupReader(path string) (*RollupReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[RollupRow](f, parquet.ReadBufferSize(1024*1024))

	return &RollupReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n rollups from the file. It returns io.EOF once the
// file is exhausted and no rows were read.
func (r *RollupReader) Read(n int) ([]types.HourlyRollup, error) {
	rows := make([]RollupRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if count == 0 {
		return nil, io.EOF
	}

	results := make([]types.HourlyRollup, count)
	for i := 0; i < count; i++ {
		results[i] = RowToRollup(&rows[i])
	}

	return results, nil
}

// ReadAll reads all rollups from the file.
func (r *RollupReader) ReadAll() ([]types.HourlyRollup, error) {
	var all []types.HourlyRollup
	for {
		chunk, err := r.Read(DefaultChunkSize)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
}

// NumRows returns the total number of rows in the file.
func (r *RollupReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *RollupReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *RollupReader) Path() string {
	return r.path
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
	}, nil
}
