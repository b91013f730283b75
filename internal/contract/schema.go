package contract

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed bundle.schema.json
var bundleSchemaJSON []byte

const bundleSchemaURL = "https://callwarden.dev/schemas/bundle-v1.schema.json"

var bundleSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(bundleSchemaURL, bytes.NewReader(bundleSchemaJSON)); err != nil {
		return nil, fmt.Errorf("bundle schema load failed: %w", err)
	}
	return c.Compile(bundleSchemaURL)
})

// Schema returns the embedded JSON Schema for bundles.
func Schema() []byte {
	return bytes.Clone(bundleSchemaJSON)
}

// validateSchema checks the decoded document structurally and reports each
// leaf violation against the YAML line it came from.
func validateSchema(doc any, root *yaml.Node, ps *problems) {
	schema, err := bundleSchema()
	if err != nil {
		ps.add(0, "", "internal: %v", err)
		return
	}
	err = schema.Validate(doc)
	if err == nil {
		return
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		ps.add(0, "", "schema validation failed: %v", err)
		return
	}
	for _, leaf := range leafCauses(ve) {
		node := nodeAt(root, leaf.InstanceLocation)
		line := 0
		if node != nil {
			line = node.Line
		}
		ps.add(line, pointerToPath(leaf.InstanceLocation), "%s", leaf.Message)
	}
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// nodeAt resolves a JSON pointer ("/contracts/0/then") against a YAML tree.
func nodeAt(root *yaml.Node, pointer string) *yaml.Node {
	n := root
	if n != nil && n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		if tok == "" || n == nil {
			continue
		}
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch n.Kind {
		case yaml.MappingNode:
			next := (*yaml.Node)(nil)
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == tok {
					next = n.Content[i+1]
					break
				}
			}
			if next == nil {
				return n
			}
			n = next
		case yaml.SequenceNode:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(n.Content) {
				return n
			}
			n = n.Content[i]
		default:
			return n
		}
	}
	return n
}

// pointerToPath turns "/contracts/0/then" into "contracts[0].then".
func pointerToPath(pointer string) string {
	var sb strings.Builder
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		if tok == "" {
			continue
		}
		if _, err := strconv.Atoi(tok); err == nil {
			sb.WriteString("[" + tok + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(tok)
	}
	return sb.String()
}
