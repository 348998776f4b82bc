package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(f float64) *float64 { return &f }

func base(id string) BlockBase { return BlockBase{ID: id} }

func ageBlocks() []Block {
	return []Block{
		&InputBlock{BlockBase: base("in_age"), Name: "age", ValueKind: ValueInt,
			Range: &NumericRange{Min: fp(0), Max: fp(120)}, Required: true},
		&DecisionBlock{BlockBase: base("d"), Condition: "age >= 18"},
		&OutputBlock{BlockBase: base("yes"), Value: "Adult"},
		&OutputBlock{BlockBase: base("no"), Value: "Minor"},
	}
}

func ageConnections() []Connection {
	return []Connection{
		{FromBlock: "in_age", ToBlock: "d"},
		{FromBlock: "d", FromPort: PortTrue, ToBlock: "yes"},
		{FromBlock: "d", FromPort: PortFalse, ToBlock: "no"},
	}
}

func TestNewWorkflow_Valid(t *testing.T) {
	wf, err := NewWorkflow("age", Metadata{Name: "Age"}, ageBlocks(), ageConnections())
	require.NoError(t, err)

	from := wf.ConnectionsFrom("d")
	require.Len(t, from, 2)
	assert.Equal(t, "yes", from[0].ToBlock)
	assert.Equal(t, "no", from[1].ToBlock)

	to := wf.ConnectionsTo("d")
	require.Len(t, to, 1)
	assert.Equal(t, "in_age", to[0].FromBlock)
	assert.Equal(t, PortDefault, to[0].FromPort, "empty ports are normalized")
	assert.Equal(t, PortDefault, to[0].ToPort)

	assert.Empty(t, wf.ConnectionsFrom("yes"))
	assert.Empty(t, wf.ConnectionsTo("in_age"))
	assert.Len(t, wf.Inputs(), 1)
	assert.Len(t, wf.Decisions(), 1)
	assert.Len(t, wf.Outputs(), 2)
	assert.Nil(t, wf.Block("ghost"))
}

func TestNewWorkflow_DefaultsRefOutputName(t *testing.T) {
	blocks := []Block{
		&InputBlock{BlockBase: base("in"), Name: "age", ValueKind: ValueInt},
		&WorkflowRefBlock{BlockBase: base("r"), RefID: "age", InputMapping: map[string]string{"age": "age"}},
		&OutputBlock{BlockBase: base("o"), Value: "done"},
	}
	wf, err := NewWorkflow("parent", Metadata{}, blocks, []Connection{
		{FromBlock: "in", ToBlock: "r"},
		{FromBlock: "r", ToBlock: "o"},
	})
	require.NoError(t, err)
	require.Len(t, wf.WorkflowRefs(), 1)
	assert.Equal(t, DefaultOutputName, wf.WorkflowRefs()[0].OutputName)
}

func TestNewWorkflow_ConnectionErrors(t *testing.T) {
	tests := []struct {
		name    string
		conn    Connection
		message string
		blockID string
	}{
		{"dangling target", Connection{FromBlock: "d", FromPort: PortTrue, ToBlock: "ghost"},
			`unknown target block "ghost"`, "d"},
		{"dangling source", Connection{FromBlock: "ghost", ToBlock: "d"},
			`unknown source block "ghost"`, ""},
		{"self loop", Connection{FromBlock: "d", FromPort: PortTrue, ToBlock: "d"},
			`block "d" cannot connect to itself`, "d"},
		{"unknown port", Connection{FromBlock: "d", FromPort: "maybe", ToBlock: "yes"},
			`unknown port "maybe"`, "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns := append(ageConnections(), tt.conn)
			wf, err := NewWorkflow("age", Metadata{}, ageBlocks(), conns)
			require.Error(t, err)
			assert.Nil(t, wf)
			assert.True(t, IsCode(err, ErrCodeValidation))

			vErr, ok := err.(*VerdictError)
			require.True(t, ok)
			assert.Equal(t, tt.message, vErr.Message)
			assert.Equal(t, tt.blockID, vErr.BlockID)
		})
	}
}

func TestNewWorkflow_BlockInvariants(t *testing.T) {
	tests := []struct {
		name    string
		block   Block
		message string
	}{
		{"enum without values",
			&InputBlock{BlockBase: base("b"), Name: "tier", ValueKind: ValueEnum},
			`input block "b": enum input requires enum values`},
		{"numeric with enum values",
			&InputBlock{BlockBase: base("b"), Name: "n", ValueKind: ValueInt, EnumValues: []string{"1", "2"}},
			`input block "b": numeric input cannot declare enum values`},
		{"inverted range",
			&InputBlock{BlockBase: base("b"), Name: "n", ValueKind: ValueFloat, Range: &NumericRange{Min: fp(5), Max: fp(1)}},
			`input block "b": range min 5 exceeds max 1`},
		{"unknown value kind",
			&InputBlock{BlockBase: base("b"), Name: "n", ValueKind: "decimal"},
			`input block "b": unknown value kind "decimal"`},
		{"unnamed input",
			&InputBlock{BlockBase: base("b"), ValueKind: ValueBool},
			`input block "b": name is required`},
		{"empty condition",
			&DecisionBlock{BlockBase: base("b"), Condition: "   "},
			`decision block "b": condition is required`},
		{"empty output value",
			&OutputBlock{BlockBase: base("b"), Value: ""},
			`output block "b": value is required`},
		{"reference without target",
			&WorkflowRefBlock{BlockBase: base("b")},
			`workflow block "b": ref_id is required`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWorkflow("age", Metadata{}, append(ageBlocks(), tt.block), ageConnections())
			require.Error(t, err)

			vErr, ok := err.(*VerdictError)
			require.True(t, ok)
			assert.Equal(t, tt.message, vErr.Message)
			assert.Equal(t, "b", vErr.BlockID)
		})
	}
}

func TestWorkflow_StructureCollectsEverything(t *testing.T) {
	blocks := append(ageBlocks(),
		&OutputBlock{BlockBase: base("yes"), Value: "Again"},
		&DecisionBlock{BlockBase: base("")},
		nil,
	)
	wf := &Workflow{Blocks: blocks, Connections: ageConnections()}

	r := wf.Structure()
	require.Len(t, r.Errors, 5)
	assert.Equal(t, "workflow id is required", r.Errors[0].Message)
	assert.Equal(t, `duplicate block id "yes"`, r.Errors[1].Message)
	assert.Equal(t, "yes", r.Errors[1].BlockID)
	assert.Equal(t, "blocks[5]", r.Errors[2].Path)
	assert.Equal(t, "block id is required", r.Errors[2].Message)
	assert.Equal(t, `decision block "": condition is required`, r.Errors[3].Message)
	assert.Empty(t, r.Errors[3].BlockID)
	assert.Equal(t, "block is nil", r.Errors[4].Message)
	assert.Equal(t, "blocks[6]", r.Errors[4].Path)

	assert.Equal(t, []string{"yes"}, r.FailingBlocks())
	assert.Error(t, wf.Check())
}

func TestUnmarshalBlock(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		check func(t *testing.T, b Block)
	}{
		{"input defaults required", `{"type":"input","id":"in","name":"age","value_kind":"int"}`,
			func(t *testing.T, b Block) {
				in := b.(*InputBlock)
				assert.True(t, in.Required)
				assert.Equal(t, ValueInt, in.ValueKind)
			}},
		{"input optional", `{"type":"input","id":"in","name":"age","value_kind":"int","required":false}`,
			func(t *testing.T, b Block) { assert.False(t, b.(*InputBlock).Required) }},
		{"decision", `{"type":"decision","id":"d","condition":"age >= 18","position":{"x":10,"y":20}}`,
			func(t *testing.T, b Block) {
				assert.Equal(t, "age >= 18", b.(*DecisionBlock).Condition)
				assert.Equal(t, Position{X: 10, Y: 20}, b.Pos())
			}},
		{"output", `{"type":"output","id":"o","value":"Adult"}`,
			func(t *testing.T, b Block) { assert.Equal(t, "Adult", b.(*OutputBlock).Value) }},
		{"workflow ref", `{"type":"workflow","id":"r","ref_id":"age","input_mapping":{"age":"years"}}`,
			func(t *testing.T, b Block) {
				ref := b.(*WorkflowRefBlock)
				assert.Equal(t, "age", ref.RefID)
				assert.Equal(t, "years", ref.InputMapping["age"])
				assert.Equal(t, DefaultOutputName, ref.ResultName())
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := UnmarshalBlock([]byte(tt.doc))
			require.NoError(t, err)
			tt.check(t, b)
		})
	}

	_, err := UnmarshalBlock([]byte(`{"type":"loop","id":"x"}`))
	assert.EqualError(t, err, `unknown block type "loop"`)
}

func TestWorkflow_JSONRoundTrip(t *testing.T) {
	blocks := append(ageBlocks(), &WorkflowRefBlock{
		BlockBase: base("r"), RefID: "other", InputMapping: map[string]string{"age": "age"}, OutputName: "category",
	})
	conns := append(ageConnections(), Connection{FromBlock: "r", ToBlock: "yes"})
	wf, err := NewWorkflow("age", Metadata{Name: "Age", Tags: []string{"hr"}}, blocks, conns)
	require.NoError(t, err)

	data, err := json.Marshal(wf)
	require.NoError(t, err)

	var raw struct {
		Blocks []struct {
			Type BlockKind `json:"type"`
		} `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	var kinds []BlockKind
	for _, b := range raw.Blocks {
		kinds = append(kinds, b.Type)
	}
	assert.Equal(t, []BlockKind{BlockInput, BlockDecision, BlockOutput, BlockOutput, BlockWorkflowRef}, kinds)

	back, err := ParseWorkflow(data)
	require.NoError(t, err)
	assert.Equal(t, wf.Blocks, back.Blocks)
	assert.Equal(t, wf.Connections, back.Connections)

	again, err := json.Marshal(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestParseWorkflow_Errors(t *testing.T) {
	_, err := ParseWorkflow([]byte(`{"id":"x","blocks":[{"type":"gate","id":"g"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `blocks[0]: unknown block type "gate"`)

	_, err = ParseWorkflow([]byte(`{"id":"x","blocks":[{"type":"output","id":"o","value":"v"}],
		"connections":[{"from":"o","to":"ghost"}]}`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestConfidenceFor(t *testing.T) {
	tests := []struct {
		count int
		want  ConfidenceLevel
	}{
		{-1, ConfidenceNone},
		{0, ConfidenceNone},
		{1, ConfidenceLow},
		{9, ConfidenceLow},
		{10, ConfidenceMedium},
		{49, ConfidenceMedium},
		{50, ConfidenceHigh},
		{500, ConfidenceHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ConfidenceFor(tt.count), "count %d", tt.count)
	}
}

func TestValidated(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		count int
		want  bool
	}{
		{"exactly at threshold", 80, 10, true},
		{"just below threshold", 79.99, 10, false},
		{"perfect but low confidence", 100, 9, false},
		{"high confidence", 80, 50, true},
		{"no cases", 100, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validated(tt.score, tt.count))
			meta := Metadata{ValidationScore: tt.score, ValidationCount: tt.count}
			assert.Equal(t, tt.want, meta.IsValidated())
		})
	}
}
