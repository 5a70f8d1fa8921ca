package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const createProposalSchema = `{
	"type": "object",
	"required": ["target", "amount"],
	"properties": {
		"target":      {"type": "string", "minLength": 1},
		"amount":      {"type": "integer", "minimum": 1},
		"ttl_seconds": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

const withdrawalSchema = `{
	"type": "object",
	"required": ["target", "amount"],
	"properties": {
		"target": {"type": "string", "minLength": 1},
		"amount": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

const creditSchema = `{
	"type": "object",
	"required": ["amount"],
	"properties": {
		"source": {"type": "string"},
		"amount": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

var (
	createProposalValidator = jsonschema.MustCompileString("create_proposal.json", createProposalSchema)
	withdrawalValidator     = jsonschema.MustCompileString("withdrawal.json", withdrawalSchema)
	creditValidator         = jsonschema.MustCompileString("credit.json", creditSchema)
)

// decodeValidated reads the request body, validates it against schema, and
// decodes it into dst.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
