package flowstore

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed flows.schema.json
var flowSchemaJSON string

var (
	flowSchema = mustCompileSchema(flowSchemaJSON)
	validate   = validator.New(validator.WithRequiredStructEnabled())
)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("flowstore: invalid embedded schema: %v", err))
	}
	return schema
}

// Format is the text encoding of a flow definition file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file name; anything that is not .yaml/.yml is JSON.
func FormatFor(path string) Format {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Decode parses and validates a flow definition document.
// An empty document is an empty collection.
func Decode(data []byte, format Format) ([]models.Flow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []models.Flow{}, nil
	}

	jsonData := data
	if format == FormatYAML {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", models.ErrInvalidDefinition, err)
		}
		if doc == nil {
			return []models.Flow{}, nil
		}
		var err error
		jsonData, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: yaml to json: %v", models.ErrInvalidDefinition, err)
		}
	}

	result, err := flowSchema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDefinition, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidDefinition, strings.Join(msgs, "; "))
	}

	var flows []models.Flow
	if err := json.Unmarshal(jsonData, &flows); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDefinition, err)
	}
	if err := Validate(flows); err != nil {
		return nil, err
	}
	return flows, nil
}

// Encode renders flows in the given format.
func Encode(flows []models.Flow, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yaml.Marshal(flows)
	}
	return json.MarshalIndent(flows, "", "  ")
}

// Validate checks field rules and graph consistency of a flow collection:
// edge endpoints and entry nodes must exist in their flow, node ids must be unique
// across all flows, flow ids must be unique, and at most one flow may be active.
func Validate(flows []models.Flow) error {
	flowIDs := make(map[int]string, len(flows))
	nodeOwner := make(map[string]string)
	active := 0

	for i := range flows {
		f := &flows[i]
		if err := validate.Struct(f); err != nil {
			return fmt.Errorf("%w: flow %q: %s", models.ErrInvalidDefinition, f.Name, describeValidation(err))
		}
		if other, dup := flowIDs[f.ID]; dup {
			return fmt.Errorf("%w: id %d used by %q and %q", models.ErrDuplicateFlowID, f.ID, other, f.Name)
		}
		flowIDs[f.ID] = f.Name
		if f.IsActive {
			active++
		}

		for _, n := range f.Nodes {
			if owner, dup := nodeOwner[n.ID]; dup {
				return fmt.Errorf("%w: %q in flows %q and %q", models.ErrDuplicateNodeID, n.ID, owner, f.Name)
			}
			nodeOwner[n.ID] = f.Name
		}
		for _, e := range f.Edges {
			if !f.HasNode(e.Source) {
				return fmt.Errorf("%w: flow %q source %q", models.ErrUnknownEdgeNode, f.Name, e.Source)
			}
			if !f.HasNode(e.Target) {
				return fmt.Errorf("%w: flow %q target %q", models.ErrUnknownEdgeNode, f.Name, e.Target)
			}
		}
		if f.EntryNodeID != "" && !f.HasNode(f.EntryNodeID) {
			return fmt.Errorf("%w: flow %q entry %q", models.ErrUnknownEntryNode, f.Name, f.EntryNodeID)
		}
	}
	if active > 1 {
		return fmt.Errorf("%w: %d flows marked active", models.ErrMultipleActive, active)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, ", ")
}
