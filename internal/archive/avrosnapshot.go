package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/kenshin-tsdb/kenshin/pkg/storage"
)

// avroField and avroSchema mirror the minimal subset of an Avro record
// schema this package needs to build dynamically from a bundle's tag list.
type avroField struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default any    `json:"default"`
}

type avroSchema struct {
	Type   string      `json:"type"`
	Name   string      `json:"name"`
	Fields []avroField `json:"fields"`
}

// sanitizeTag rewrites the '.' and ':' separators of a bundle tag so it can
// serve as an Avro field name (Avro field names must match
// [A-Za-z_][A-Za-z0-9_]*). Other characters outside that set, and a leading
// digit, are left as they are.
func sanitizeTag(tag string) string {
	tag = strings.ReplaceAll(tag, ".", "__")
	tag = strings.ReplaceAll(tag, ":", "___")
	return tag
}

// buildSnapshotSchema generates an Avro record schema with one "ts" long
// field plus one double field per (sanitized) tag, defaulting to
// storage.NullValue (the field is not an Avro null union), skipping empty
// padding slots. Grounded on the checkpointing format's per-level schema
// generation, adapted to snapshot a whole bundle row at once instead of one
// metric at a time.
func buildSnapshotSchema(tags []string) (string, error) {
	fields := []avroField{{Name: "ts", Type: "long", Default: 0}}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		fields = append(fields, avroField{Name: sanitizeTag(tag), Type: "double", Default: storage.NullValue})
	}

	sch := avroSchema{Type: "record", Name: "BundleRow", Fields: fields}
	raw, err := json.Marshal(sch)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncodeSnapshot serializes a fetch window of a bundle into an Avro
// object-container-file, one record per row, for handoff to a cold-storage
// Backend. Rows with storage.NullValue for a column keep that column's
// default rather than omitting it, so every snapshot file for a given
// bundle shares one schema regardless of which columns were populated.
func EncodeSnapshot(tags []string, result *storage.FetchResult) ([]byte, error) {
	schemaStr, err := buildSnapshotSchema(tags)
	if err != nil {
		return nil, err
	}

	codec, err := goavro.NewCodec(schemaStr)
	if err != nil {
		return nil, fmt.Errorf("kenshin: building snapshot codec: %w", err)
	}

	var buf bytes.Buffer
	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               &buf,
		Codec:           codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return nil, err
	}

	ts := result.From
	records := make([]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		record := map[string]any{"ts": ts}
		for col, tag := range tags {
			if tag == "" {
				continue
			}
			record[sanitizeTag(tag)] = row[col]
		}
		records = append(records, record)
		ts += result.Step
	}

	if err := writer.Append(records); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeSnapshot reads back records produced by EncodeSnapshot, restoring
// plain (ts, values-by-tag) rows without needing the bundle's live header.
func DecodeSnapshot(data []byte) ([]storage.Point, []string, error) {
	reader, err := goavro.NewOCFReader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, nil, err
	}

	var tags []string
	var points []storage.Point
	for reader.Scan() {
		raw, err := reader.Read()
		if err != nil {
			return nil, nil, err
		}
		rec, ok := raw.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("kenshin: unexpected avro record shape %T", raw)
		}

		if tags == nil {
			for name := range rec {
				if name != "ts" {
					tags = append(tags, name)
				}
			}
		}

		ts, _ := rec["ts"].(int64)
		values := make([]float64, len(tags))
		for i, tag := range tags {
			if v, ok := rec[tag].(float64); ok {
				values[i] = v
			} else {
				values[i] = storage.NullValue
			}
		}

		points = append(points, storage.Point{TS: ts, Values: values})
	}

	return points, tags, nil
}
