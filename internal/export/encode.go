package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"shopfloor/internal/types"
)

var materialHeader = []string{"id", "name", "category", "unit", "quantity_on_hand", "reorder_level", "updated_at"}

// format describes how one export type is serialised.
type format struct {
	ext         string
	contentType string
	encode      func(rows []types.Material) ([]byte, error)
}

var formats = map[string]format{
	types.ExportMaterialsCSV:  {ext: "csv", contentType: "text/csv", encode: encodeCSV},
	types.ExportMaterialsJSON: {ext: "jsonl", contentType: "application/x-ndjson", encode: encodeJSONLines},
}

// ValidType reports whether exportType is supported.
func ValidType(exportType string) bool {
	_, ok := formats[exportType]
	return ok
}

// encodeCSV writes a header followed by one record per row, so every part is
// a self-contained file.
func encodeCSV(rows []types.Material) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(materialHeader); err != nil {
		return nil, err
	}
	for _, m := range rows {
		rec := []string{
			strconv.FormatInt(m.ID, 10),
			m.Name,
			m.Category,
			m.Unit,
			strconv.FormatFloat(m.QuantityOnHand, 'f', -1, 64),
			strconv.FormatFloat(m.ReorderLevel, 'f', -1, 64),
			m.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSONLines(rows []types.Material) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range rows {
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("write json line: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// compressor wraps a shared zstd encoder. EncodeAll is safe for concurrent
// use.
type compressor struct {
	enc *zstd.Encoder
}

func newCompressor() (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &compressor{enc: enc}, nil
}

func (c *compressor) compress(b []byte) []byte {
	return c.enc.EncodeAll(b, make([]byte, 0, len(b)/2))
}
