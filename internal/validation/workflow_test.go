package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/pkg/schema"
)

const validDefinition = `{
  "name": "support",
  "globalVariables": [
    {"name": "count", "type": "integer", "initialValue": "0"},
    {"name": "topic", "type": "string"}
  ],
  "nodes": [
    {"nodeKey": "start", "type": "start"},
    {"nodeKey": "ask", "type": "user_input", "config": {"prompt": "What do you need?", "outputVar": "topic"}},
    {"nodeKey": "route", "type": "basic_branch"},
    {"nodeKey": "classify", "type": "llm_branch", "config": {"branches": [{"name": "billing"}, {"name": "other"}]}},
    {"nodeKey": "bump", "type": "assign", "config": {"assignments": [{"variableName": "count", "valueExpression": "${count} + 1"}]}},
    {"nodeKey": "answer", "type": "llm_call", "config": {"userPrompt": "Answer ${topic}", "responseFilter": ".answer"}},
    {"nodeKey": "end", "type": "end"}
  ],
  "transitions": [
    {"fromNodeKey": "start", "toNodeKey": "ask"},
    {"fromNodeKey": "ask", "toNodeKey": "route"},
    {"fromNodeKey": "route", "toNodeKey": "bump", "conditionExpression": "${count} < 3"},
    {"fromNodeKey": "route", "toNodeKey": "classify", "conditionExpression": "default"},
    {"fromNodeKey": "bump", "toNodeKey": "ask"},
    {"fromNodeKey": "classify", "toNodeKey": "answer", "conditionExpression": "billing"},
    {"fromNodeKey": "classify", "toNodeKey": "end", "conditionExpression": "other"},
    {"fromNodeKey": "answer", "toNodeKey": "end"}
  ]
}`

func newTestValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	dv, err := NewDefinitionValidator(expressions.NewJQ())
	require.NoError(t, err)
	return dv
}

func validate(t *testing.T, doc string) *schema.ValidationResult {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(doc))
	require.NoError(t, err)
	return newTestValidator(t).Validate(def)
}

func errorMessages(r *schema.ValidationResult) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

func TestDefinitionValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*DefinitionValidator)(nil)
}

func TestValidate_FullValid(t *testing.T) {
	result := validate(t, validDefinition)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidate_NilDefinition(t *testing.T) {
	result := newTestValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestValidate_StructuralShortCircuit(t *testing.T) {
	// Missing node key and an empty node list both fail the schema; the
	// semantic stage never runs so there is no "no start node" error.
	result := validate(t, `{"nodes": [{"type": "start"}], "transitions": []}`)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, e.Code)
	}

	result = validate(t, `{"nodes": []}`)
	assert.False(t, result.Valid())
}

func TestValidate_AliasesAccepted(t *testing.T) {
	result := validate(t, `{
	  "nodes": [{"key": "s", "type": "start"}, {"key": "e", "type": "end"}],
	  "transitions": [{"fromNode": "s", "toNode": "e", "condition": ""}]
	}`)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_StartNode(t *testing.T) {
	result := validate(t, `{"nodes": [{"nodeKey": "e", "type": "end"}]}`)
	assert.Contains(t, errorMessages(result), "no start node")

	result = validate(t, `{"nodes": [{"nodeKey": "a", "type": "start"}, {"nodeKey": "b", "type": "start"}]}`)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "multiple start nodes")
}

func TestValidate_DuplicateKeysAndBadReferences(t *testing.T) {
	result := validate(t, `{
	  "nodes": [
	    {"nodeKey": "s", "type": "start"},
	    {"nodeKey": "s", "type": "end"}
	  ],
	  "transitions": [{"fromNodeKey": "s", "toNodeKey": "ghost"}]
	}`)
	msgs := errorMessages(result)
	assert.Contains(t, msgs, `duplicate node key "s"`)
	assert.Contains(t, msgs, `references non-existent node "ghost"`)
}

func TestValidate_UnsupportedNodeTypes(t *testing.T) {
	for _, typ := range []string{"parallel", "workflow_call", "http_call"} {
		t.Run(typ, func(t *testing.T) {
			result := validate(t, `{
			  "nodes": [{"nodeKey": "s", "type": "start"}, {"nodeKey": "x", "type": "`+typ+`"}],
			  "transitions": [{"fromNodeKey": "s", "toNodeKey": "x"}]
			}`)
			require.False(t, result.Valid())
			assert.Contains(t, errorMessages(result), `node type "`+typ+`" is not supported`)
			assert.True(t, schema.IsCode(result.ToError(), schema.ErrCodeDefinition))
		})
	}

	result := validate(t, `{"nodes": [{"nodeKey": "s", "type": "start"}, {"nodeKey": "x", "type": "teleport"}]}`)
	assert.Contains(t, errorMessages(result), `unknown node type "teleport"`)
}

func TestValidate_BadInitialValue(t *testing.T) {
	result := validate(t, `{
	  "globalVariables": [{"name": "n", "type": "integer", "initialValue": "many"}],
	  "nodes": [{"nodeKey": "s", "type": "start"}]
	}`)
	require.False(t, result.Valid())
	assert.Equal(t, "globalVariables[0].initialValue", result.Errors[0].Path)
}

func TestValidate_NodeConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		node   string
		expect string
	}{
		{"llm_assign without variables", `{"nodeKey": "x", "type": "llm_assign", "config": {}}`, "AssignVariables"},
		{"llm_assign bad type", `{"nodeKey": "x", "type": "llm_assign", "config": {"assignVariables": [{"name": "a", "type": "list"}]}}`, "oneofci"},
		{"llm_branch without branches", `{"nodeKey": "x", "type": "llm_branch", "config": {"branches": []}}`, "Branches"},
		{"llm_branch unknown default", `{"nodeKey": "x", "type": "llm_branch", "config": {"branches": [{"name": "a"}], "defaultBranch": "b"}}`, "defaultBranch"},
		{"malformed config", `{"nodeKey": "x", "type": "assign", "config": {"assignments": "nope"}}`, "invalid assign config"},
		{"bad jq filter", `{"nodeKey": "x", "type": "llm_call", "config": {"responseFilter": ".["}}`, "invalid jq filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validate(t, `{
			  "nodes": [{"nodeKey": "s", "type": "start"}, `+tt.node+`],
			  "transitions": [{"fromNodeKey": "s", "toNodeKey": "x"}]
			}`)
			require.False(t, result.Valid())
			assert.Equal(t, schema.ErrCodeNodeConfig, result.Errors[0].Code)
			assert.Contains(t, result.Errors[0].Message, tt.expect)
		})
	}
}

func TestValidate_BranchWithoutOutputs(t *testing.T) {
	result := validate(t, `{
	  "nodes": [{"nodeKey": "s", "type": "start"}, {"nodeKey": "b", "type": "basic_branch"}],
	  "transitions": [{"fromNodeKey": "s", "toNodeKey": "b"}]
	}`)
	assert.Contains(t, errorMessages(result), `branch node "b" has no outgoing transitions`)
}

func TestValidate_Warnings(t *testing.T) {
	result := validate(t, `{
	  "nodes": [
	    {"nodeKey": "s", "type": "start"},
	    {"nodeKey": "b", "type": "basic_branch"},
	    {"nodeKey": "e", "type": "end"},
	    {"nodeKey": "orphan", "type": "info_output", "config": {"prompt": "hi"}},
	    {"nodeKey": "llm", "type": "llm_branch", "config": {"branches": [{"name": "yes"}]}}
	  ],
	  "transitions": [
	    {"fromNodeKey": "s", "toNodeKey": "b"},
	    {"fromNodeKey": "s", "toNodeKey": "e"},
	    {"fromNodeKey": "b", "toNodeKey": "e", "conditionExpression": "${x} >"},
	    {"fromNodeKey": "b", "toNodeKey": "llm", "conditionExpression": ""},
	    {"fromNodeKey": "b", "toNodeKey": "e", "conditionExpression": "anything"},
	    {"fromNodeKey": "llm", "toNodeKey": "e", "conditionExpression": "maybe"},
	    {"fromNodeKey": "e", "toNodeKey": "s"}
	  ]
	}`)
	require.True(t, result.Valid(), "errors: %v", result.Errors)

	var msgs []string
	for _, w := range result.Warnings {
		msgs = append(msgs, w.Message)
	}
	assert.Contains(t, msgs, `node "s" has 2 outgoing transitions; only the first is taken`)
	assert.Contains(t, msgs, `end node "e" has outgoing transitions that are never taken`)
	assert.Contains(t, msgs, `condition to "llm" is empty and never matches`)
	assert.Contains(t, msgs, `transition to "e" is labelled "maybe" which is not a configured branch`)
	assert.Contains(t, msgs, `node "orphan" has no outgoing transition; the run completes after it`)
	assert.Contains(t, msgs, `node "orphan" is unreachable from the start node`)

	var parseWarning bool
	for _, m := range msgs {
		if strings.HasPrefix(m, `condition to "e" never matches`) {
			parseWarning = true
		}
	}
	assert.True(t, parseWarning, "unparseable non-final condition is reported")
}

func TestParseAndValidate(t *testing.T) {
	dv := newTestValidator(t)

	def, result, err := dv.ParseAndValidate([]byte(validDefinition))
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, "support", def.Name)

	_, _, err = dv.ParseAndValidate([]byte(`{"nodes": `))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))

	_, result, err = dv.ParseAndValidate([]byte(`{"nodes": [{"nodeKey": "e", "type": "end"}]}`))
	require.Error(t, err)
	assert.False(t, result.Valid())
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))
}

func TestValidateDefinition_BuiltInCode(t *testing.T) {
	def := &schema.Definition{
		Nodes: []schema.Node{
			{Key: "s", Type: schema.NodeStart},
			{Key: "e", Type: schema.NodeEnd},
		},
		Transitions: []schema.Transition{{FromKey: "s", ToKey: "e"}},
	}
	assert.NoError(t, newTestValidator(t).ValidateDefinition(def))
}
