package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/axion-labs/plancore/pkg/fault"
)

// Parse decodes a plan document. The document root must be a mapping and
// each step must be a mapping with exactly one action key; the reserved
// keys when/engine/required_role/timeout_ms/idempotent may sit alongside
// it. Step order is the document order.
func Parse(data []byte) (*Plan, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fault.New(fault.CodeValidationFailed, "invalid yaml: %v", err).Wrap(err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fault.New(fault.CodeValidationFailed, "empty plan document")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fault.New(fault.CodeValidationFailed, "plan root must be a mapping, got %s", kindName(doc))
	}

	p := &Plan{Variables: map[string]any{}}

	var stepsNode *yaml.Node
	for i := 0; i < len(doc.Content)-1; i += 2 {
		key := doc.Content[i]
		val := doc.Content[i+1]
		switch key.Value {
		case "dsl_version":
			// Quoted or bare; 1.1 scalar decodes as a string either way
			// because we read the node value, not the resolved type.
			p.DSLVersion = val.Value
		case "name":
			p.Name = val.Value
		case "description":
			p.Description = val.Value
		case "variables":
			if err := val.Decode(&p.Variables); err != nil {
				return nil, fault.New(fault.CodeValidationFailed, "variables must be a mapping: %v", err).Wrap(err)
			}
		case "execution":
			if err := val.Decode(&p.Execution); err != nil {
				return nil, fault.New(fault.CodeValidationFailed, "execution block: %v", err).Wrap(err)
			}
		case "steps":
			stepsNode = val
		}
	}

	if stepsNode != nil {
		if stepsNode.Kind != yaml.SequenceNode {
			return nil, fault.New(fault.CodeValidationFailed, "steps must be a sequence, got %s", kindName(stepsNode))
		}
		for i, sn := range stepsNode.Content {
			step, err := parseStep(i, sn)
			if err != nil {
				return nil, err
			}
			p.Steps = append(p.Steps, step)
		}
	}

	body, err := decodeBody(doc)
	if err != nil {
		return nil, err
	}
	delete(body, "signature")
	if p.DSLVersion != "" {
		// Bare YAML scalars like 1.1 decode as floats; the version is
		// always treated as a string.
		body["dsl_version"] = p.DSLVersion
	}
	p.body = body

	return p, nil
}

func parseStep(index int, node *yaml.Node) (Step, error) {
	step := Step{Index: index}
	if node.Kind != yaml.MappingNode {
		return step, fault.New(fault.CodeValidationFailed, "step must be a mapping").Step(index)
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]

		if reservedStepKeys[key.Value] {
			switch key.Value {
			case "when":
				step.When = val.Value
			case "engine":
				step.Engine = val.Value
			case "required_role":
				step.RequiredRole = val.Value
			case "timeout_ms":
				if err := val.Decode(&step.TimeoutMS); err != nil {
					return step, fault.New(fault.CodeValidationFailed, "timeout_ms must be an integer").Step(index).Wrap(err)
				}
			case "idempotent":
				var b bool
				if err := val.Decode(&b); err != nil {
					return step, fault.New(fault.CodeValidationFailed, "idempotent must be a boolean").Step(index).Wrap(err)
				}
				step.Idempotent = &b
			}
			continue
		}

		if step.Action != "" {
			return step, fault.New(fault.CodeValidationFailed,
				"step has multiple action keys (%q and %q); one action per step", step.Action, key.Value).Step(index)
		}
		step.Action = key.Value

		switch val.Kind {
		case yaml.MappingNode:
			if err := val.Decode(&step.Params); err != nil {
				return step, fault.New(fault.CodeValidationFailed, "params for %q: %v", step.Action, err).Step(index).Wrap(err)
			}
		case 0:
		default:
			if val.Tag == "!!null" {
				break
			}
			return step, fault.New(fault.CodeValidationFailed,
				"params for %q must be a mapping, got %s", step.Action, kindName(val)).Step(index)
		}
	}

	if step.Action == "" {
		return step, fault.New(fault.CodeValidationFailed, "step has no action key").Step(index)
	}
	if step.Params == nil {
		step.Params = map[string]any{}
	}
	return step, nil
}

// decodeBody re-decodes the document into a generic tree with string keys
// so the schema validator and canonical hasher see one stable shape.
func decodeBody(doc *yaml.Node) (map[string]any, error) {
	var body map[string]any
	if err := doc.Decode(&body); err != nil {
		return nil, fault.New(fault.CodeValidationFailed, "plan body: %v", err).Wrap(err)
	}
	return body, nil
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "null"
		}
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return fmt.Sprintf("kind(%d)", n.Kind)
	}
}
