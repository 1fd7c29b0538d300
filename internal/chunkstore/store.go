// Package chunkstore persists chunk units, one JSON document per unit, grouped
// by pipeline stage.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"

	"typegraph/internal/chunk"
)

type Stage string

const (
	StageChunked   Stage = "chunked"
	StageSanitized Stage = "sanitized"
	StageEnriched  Stage = "enriched"
)

var ErrNotFound = errors.New("chunkstore: not found")

// Handle addresses one unit within a stage. It is also the unit's file name.
type Handle string

// HandleFor derives the handle of u from its identity and sequence index, so
// the same unit always lands in the same place.
func HandleFor(u chunk.Unit) Handle {
	name := url.PathEscape(u.Identity())
	name = strings.ReplaceAll(name, "..", ".%2E")
	return Handle(fmt.Sprintf("%s.%04d.json", name, u.SequenceIndex))
}

// ReadError reports one unit that could not be read back.
type ReadError struct {
	Handle Handle
	Err    error
}

func (e ReadError) Error() string { return fmt.Sprintf("%s: %v", e.Handle, e.Err) }
func (e ReadError) Unwrap() error { return e.Err }

// Store is the chunk store of one library run.
type Store interface {
	Write(ctx context.Context, stage Stage, u chunk.Unit) (Handle, error)
	Read(ctx context.Context, stage Stage, h Handle) (chunk.Unit, error)
	// ReadAll returns the units that could be read, in handle order, and an
	// error entry for each one that could not.
	ReadAll(ctx context.Context, stage Stage, handles []Handle) ([]chunk.Unit, []ReadError)
	List(ctx context.Context, stage Stage) ([]Handle, error)
	Exists(ctx context.Context, stage Stage, h Handle) (bool, error)
	Reset(ctx context.Context, stage Stage) error

	// WriteRaw archives a raw enrichment reply, compressed.
	WriteRaw(ctx context.Context, h Handle, attempt int, raw []byte) error
	ReadRaw(ctx context.Context, h Handle, attempt int) ([]byte, error)

	// WriteFile and ReadFile hold run-level artifacts such as the failure report.
	WriteFile(ctx context.Context, name string, content []byte) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	// RemoveFile deletes a run-level artifact; a missing file is not an error.
	RemoveFile(ctx context.Context, name string) error
}

func rawName(h Handle, attempt int) string {
	return fmt.Sprintf("%s.%d.raw.zst", strings.TrimSuffix(string(h), ".json"), attempt)
}

func readAll(ctx context.Context, s Store, stage Stage, handles []Handle) ([]chunk.Unit, []ReadError) {
	units := make([]chunk.Unit, 0, len(handles))
	var errs []ReadError
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, ReadError{Handle: h, Err: err})
			continue
		}
		u, err := s.Read(ctx, stage, h)
		if err != nil {
			errs = append(errs, ReadError{Handle: h, Err: err})
			continue
		}
		units = append(units, u)
	}
	return units, errs
}

func decodeUnit(data []byte) (chunk.Unit, error) {
	var u chunk.Unit
	if err := u.UnmarshalJSON(data); err != nil {
		return chunk.Unit{}, err
	}
	return u, nil
}

// Encoder and Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunkstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunkstore: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte) []byte { return zstdEncoder.EncodeAll(data, nil) }

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
