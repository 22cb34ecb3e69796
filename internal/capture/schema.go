package capture

import (
	"embed"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"cap2cal/internal/candidate"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ScanSchema returns the schema for scan responses.
func ScanSchema() (*jsonschema.Schema, error) {
	return loadSchema("schemas/scan.schema.json")
}

// EnrichSchema returns the schema for enrichment patches.
func EnrichSchema() (*jsonschema.Schema, error) {
	return loadSchema("schemas/enrich.schema.json")
}

func loadSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return candidate.ParseSchema(data)
}
