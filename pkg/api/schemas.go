package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBody = 1 << 20

const (
	addressPattern = `"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"`
	amountPattern  = `"type": "string", "pattern": "^[0-9]{1,78}$"`
)

var transactionsSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["to", "operation"],
		"properties": {
			"to": {` + addressPattern + `},
			"operation": {"type": "integer", "minimum": 0, "maximum": 1},
			"value": {` + amountPattern + `},
			"data": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})*$"}
		},
		"additionalProperties": false
	}
}`

// requestSchemas are the JSON Schemas of every request body, by name.
var requestSchemas = map[string]string{
	"propose": `{
		"type": "object",
		"required": ["transactions"],
		"properties": {
			"transactions": ` + transactionsSchema + `,
			"explanation": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"execute": `{
		"type": "object",
		"required": ["transactions"],
		"properties": {"transactions": ` + transactionsSchema + `},
		"additionalProperties": false
	}`,
	"collateral": `{
		"type": "object",
		"required": ["collateral", "bond"],
		"properties": {
			"collateral": {` + addressPattern + `},
			"bond": {` + amountPattern + `}
		},
		"additionalProperties": false
	}`,
	"rules": `{
		"type": "object",
		"required": ["rules"],
		"properties": {"rules": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	"liveness": `{
		"type": "object",
		"required": ["liveness_seconds"],
		"properties": {"liveness_seconds": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`,
	"identifier": `{
		"type": "object",
		"required": ["identifier"],
		"properties": {"identifier": {"type": "string", "minLength": 1, "maxLength": 32}},
		"additionalProperties": false
	}`,
	"escalation": `{
		"type": "object",
		"required": ["escalation_manager"],
		"properties": {"escalation_manager": {` + addressPattern + `}},
		"additionalProperties": false
	}`,
	"vault": `{
		"type": "object",
		"required": ["id", "rules"],
		"properties": {
			"id": {` + addressPattern + `},
			"controller": {` + addressPattern + `},
			"rules": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"mode": `{
		"type": "object",
		"required": ["mode"],
		"properties": {"mode": {"enum": ["automatic", "manual", "frozen"]}},
		"additionalProperties": false
	}`,
	"account": `{
		"type": "object",
		"required": ["account"],
		"properties": {"account": {` + addressPattern + `}},
		"additionalProperties": false
	}`,
	"authority": `{
		"type": "object",
		"required": ["authority"],
		"properties": {"authority": {` + addressPattern + `}},
		"additionalProperties": false
	}`,
	"resolve": `{
		"type": "object",
		"required": ["truthful"],
		"properties": {"truthful": {"type": "boolean"}},
		"additionalProperties": false
	}`,
	"approve": `{
		"type": "object",
		"required": ["spender", "amount"],
		"properties": {
			"spender": {` + addressPattern + `},
			"amount": {` + amountPattern + `}
		},
		"additionalProperties": false
	}`,
}

// schemaSet holds the compiled request schemas.
type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	set := make(schemaSet, len(requestSchemas))
	for name, src := range requestSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://oya.to/schemas/api/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		set[name] = compiled
	}
	return set, nil
}

// decode reads the request body, validates it against the named schema and
// unmarshals it into dst. It writes the error response itself and reports
// whether the handler should continue.
func (s schemaSet) decode(w http.ResponseWriter, r *http.Request, name string, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	if schema, ok := s[name]; ok {
		if err := schema.Validate(doc); err != nil {
			WriteBadRequest(w, fmt.Sprintf("schema validation failed: %v", err))
			return false
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteBadRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}
