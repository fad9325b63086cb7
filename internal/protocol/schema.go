package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidDetails = errors.New("invalid message details")

const (
	identifierSchema = `{
		"type": "object",
		"required": ["int"],
		"properties": {
			"int": {"type": "integer", "minimum": 0},
			"site": {"type": "string"},
			"clock": {"type": "integer", "minimum": 0}
		}
	}`
	positionSchema  = `{"type": "array", "minItems": 1, "items": ` + identifierSchema + `}`
	operationSchema = `{
		"type": "object",
		"required": ["type", "position", "value"],
		"properties": {
			"type": {"enum": ["insert", "delete"]},
			"position": ` + positionSchema + `,
			"value": {"type": "string"}
		}
	}`
	minOperationSchema = `{
		"type": "object",
		"required": ["t", "p"],
		"properties": {
			"t": {"enum": ["i", "d"]},
			"v": {"type": "string"},
			"p": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["i"],
					"properties": {
						"i": {"type": "integer", "minimum": 0},
						"s": {"type": "string"},
						"c": {"type": "integer", "minimum": 0}
					}
				}
			}
		}
	}`
	stateSchema = `{
		"type": "object",
		"required": ["atoms"],
		"properties": {
			"atoms": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"required": ["position", "value"],
					"properties": {
						"position": ` + positionSchema + `,
						"value": {"type": "string"}
					}
				}
			},
			"tombstones": {"type": ["array", "null"], "items": ` + positionSchema + `}
		}
	}`
)

func objectSchema(required []string, props map[string]string) string {
	var b strings.Builder
	b.WriteString(`{"type":"object","required":[`)
	for i, name := range required {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", name)
	}
	b.WriteString(`],"properties":{`)
	first := true
	for name, schema := range props {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%q:%s", name, schema)
	}
	b.WriteString(`}}`)
	return b.String()
}

const stringSchema = `{"type":"string"}`

var detailSchemas = map[MessageType]string{
	TypeStdout: objectSchema([]string{"output"}, map[string]string{"output": stringSchema}),
	TypeStdin:  objectSchema([]string{"input"}, map[string]string{"input": stringSchema}),
	TypeFSChange: objectSchema([]string{"type"}, map[string]string{
		"type":    `{"enum":["CREATE","REMOVE","RENAME","MOVE"]}`,
		"oldPath": `{"type":["string","null"]}`,
		"newPath": `{"type":["string","null"]}`,
		"isLeaf":  `{"type":"boolean"}`,
	}),
	TypeSaveFile:             objectSchema([]string{"key", "contents"}, map[string]string{"key": stringSchema, "contents": stringSchema}),
	TypeRequestFileContents:  objectSchema([]string{"key"}, map[string]string{"key": stringSchema}),
	TypeResponseFileContents: objectSchema([]string{"key", "contents"}, map[string]string{"key": stringSchema, "contents": stringSchema}),
	TypeRTCOfferSDP:          objectSchema([]string{"sdp"}, map[string]string{"sdp": `{"type":"string","minLength":1}`}),
	TypeRTCAnswerSDP:         objectSchema([]string{"sdp"}, map[string]string{"sdp": `{"type":"string","minLength":1}`}),
	TypeRTCICECandidate:      objectSchema([]string{"ice"}, map[string]string{"ice": `{"type":"string","minLength":1}`}),
	TypeSameFileQuery:        objectSchema([]string{"key"}, map[string]string{"key": stringSchema}),
	TypeSameFileRes: objectSchema([]string{"key", "same"}, map[string]string{
		"key":  stringSchema,
		"same": `{"type":"boolean"}`,
		"crdt": stateSchema,
	}),
	TypeCRDTDelta: objectSchema([]string{"key", "delta"}, map[string]string{
		"key":   stringSchema,
		"delta": operationSchema,
	}),
	TypeCRDTDeltaBatch: objectSchema([]string{"key", "deltas"}, map[string]string{
		"key":    stringSchema,
		"deltas": `{"type":"array","items":` + minOperationSchema + `}`,
	}),
}

var (
	compileOnce sync.Once
	compiled    map[MessageType]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[MessageType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[MessageType]*jsonschema.Schema, len(detailSchemas))
		for t, src := range detailSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("parse %s schema: %w", t, err)
				return
			}
			url := "https://softerview.dev/schema/" + strings.ToLower(string(t)) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", t, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", t, err)
				return
			}
			out[t] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks the envelope's details against the schema for its type.
// Types that carry no details always validate.
func Validate(env Envelope) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	sch, ok := all[env.Type]
	if !ok {
		if env.Type.IsRelay() || env.Type.IsPeer() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
	raw := env.Details
	if len(raw) == 0 {
		raw = []byte("null")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDetails, env.Type, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDetails, env.Type, err)
	}
	return nil
}

// Decode validates env and unmarshals its details into out.
func Decode(env Envelope, out any) error {
	if err := Validate(env); err != nil {
		return err
	}
	if len(env.Details) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Details, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDetails, env.Type, err)
	}
	return nil
}
