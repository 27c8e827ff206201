package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"
)

const SchemaURL = "https://blah.dev/schemas/manifest.json"

var compiledSchema = sync.OnceValues(func() (*validator.Schema, error) {
	data, err := SchemaJSON()
	if err != nil {
		return nil, err
	}
	doc, err := validator.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode manifest schema: %w", err)
	}
	compiler := validator.NewCompiler()
	if err := compiler.AddResource(SchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	schema, err := compiler.Compile(SchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return schema, nil
})

// Schema reflects the manifest JSON Schema from the Go types.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		Anonymous:                 true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(&Manifest{})
	schema.ID = jsonschema.ID(SchemaURL)
	schema.Title = "BLAH manifest"
	return schema
}

func SchemaJSON() ([]byte, error) {
	data, err := json.MarshalIndent(Schema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates raw JSON against the manifest schema and
// returns one issue per violation.
func ValidateSchema(data []byte) []string {
	schema, err := compiledSchema()
	if err != nil {
		return []string{fmt.Sprintf("schema unavailable: %v", err)}
	}
	instance, err := validator.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		// Syntax errors are reported by the decoder.
		return nil
	}
	if err := schema.Validate(instance); err != nil {
		var issues []string
		for _, line := range strings.Split(err.Error(), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				issues = append(issues, line)
			}
		}
		return issues
	}
	return nil
}
