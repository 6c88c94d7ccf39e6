package storage

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dshills/doccache-mcp/pkg/types"
)

const (
	// RecordSchemaVersion is written into every chunk record.
	// Readers accept any record with the same major version.
	RecordSchemaVersion = "1.0.0"

	recordSchemaURL = "https://github.com/dshills/doccache-mcp/chunk-record.json"
)

//go:embed record_schema.json
var recordSchemaJSON []byte

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

// record is the on-disk shape of one chunk
type record struct {
	SchemaVersion   string         `json:"schema_version"`
	ID              string         `json:"id"`
	Content         string         `json:"content"`
	SourcePath      string         `json:"source_path"`
	HeadingPath     []string       `json:"heading_path"`
	Ordinal         int            `json:"ordinal"`
	FrontMatter     map[string]any `json:"front_matter"`
	Embedding       []float32      `json:"embedding"`
	EmbeddingModel  *string        `json:"embedding_model"`
	EmbeddingStatus string         `json:"embedding_status"`
	EmbeddingError  string         `json:"embedding_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(recordSchemaJSON))
		if err != nil {
			recordSchemaErr = fmt.Errorf("failed to parse record schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(recordSchemaURL, doc); err != nil {
			recordSchemaErr = fmt.Errorf("failed to add record schema: %w", err)
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile(recordSchemaURL)
	})
	return recordSchema, recordSchemaErr
}

// EncodeRecord serialises a chunk into its self-contained JSON record
func EncodeRecord(chunk *types.Chunk) ([]byte, error) {
	if err := chunk.Validate(); err != nil {
		return nil, err
	}

	rec := record{
		SchemaVersion:   RecordSchemaVersion,
		ID:              string(chunk.ID),
		Content:         chunk.Content,
		SourcePath:      chunk.SourcePath,
		HeadingPath:     chunk.HeadingPath,
		Ordinal:         chunk.Ordinal,
		FrontMatter:     chunk.FrontMatter,
		EmbeddingStatus: string(chunk.EmbeddingStatus),
		EmbeddingError:  chunk.EmbeddingError,
		CreatedAt:       chunk.CreatedAt.UTC(),
		UpdatedAt:       chunk.UpdatedAt.UTC(),
	}
	if rec.HeadingPath == nil {
		rec.HeadingPath = []string{}
	}
	if rec.EmbeddingStatus == "" {
		rec.EmbeddingStatus = string(types.EmbeddingPending)
	}
	if chunk.HasEmbedding() {
		rec.Embedding = chunk.Embedding
		model := chunk.EmbeddingModel
		rec.EmbeddingModel = &model
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk %s: %w", chunk.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a chunk record. Anything this version cannot read
// faithfully fails with types.ErrSchemaIncompatible.
func DecodeRecord(data []byte) (*types.Chunk, error) {
	var header struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaIncompatible, err)
	}
	if err := checkRecordVersion(header.SchemaVersion); err != nil {
		return nil, err
	}

	schema, err := compiledRecordSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaIncompatible, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaIncompatible, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaIncompatible, err)
	}

	chunk := &types.Chunk{
		ID:              types.ChunkID(rec.ID),
		Content:         rec.Content,
		SourcePath:      rec.SourcePath,
		HeadingPath:     rec.HeadingPath,
		Ordinal:         rec.Ordinal,
		FrontMatter:     rec.FrontMatter,
		Embedding:       rec.Embedding,
		EmbeddingStatus: types.EmbeddingStatus(rec.EmbeddingStatus),
		EmbeddingError:  rec.EmbeddingError,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.EmbeddingModel != nil {
		chunk.EmbeddingModel = *rec.EmbeddingModel
	}
	if chunk.HasEmbedding() && chunk.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: chunk %s has an embedding without a model", types.ErrSchemaIncompatible, rec.ID)
	}
	if err := chunk.VerifyID(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaIncompatible, err)
	}
	return chunk, nil
}

// checkRecordVersion accepts versions sharing the current major version
func checkRecordVersion(version string) error {
	if version == "" {
		return fmt.Errorf("%w: missing schema_version", types.ErrSchemaIncompatible)
	}
	got, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: invalid schema_version %q", types.ErrSchemaIncompatible, version)
	}
	current := semver.MustParse(RecordSchemaVersion)
	if got.Major() != current.Major() {
		return fmt.Errorf("%w: schema_version %s, want %d.x", types.ErrSchemaIncompatible, version, current.Major())
	}
	return nil
}
