package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/omrchecker/omrd/app/service"
)

func main() {
	// generate schema for the completion callback payload
	schema := jsonschema.Reflect(&service.CompletionPayload{})

	// set schema metadata
	schema.Title = "OMR Completion Callback Schema"
	schema.Description = "Schema for the JSON body posted to operator webhook URLs on job completion"
	schema.Version = "1.0.0"

	// marshal to JSON with indentation
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal schema: %v", err)
	}

	// write to file
	outputPath := "callback-schema.json"
	if len(os.Args) > 1 {
		outputPath = os.Args[1]
	}

	if err := os.WriteFile(outputPath, data, 0o600); err != nil { //nolint:gosec // schema file is not sensitive
		log.Fatalf("failed to write schema file: %v", err)
	}

	fmt.Printf("Schema generated successfully at %s\n", outputPath)
}
