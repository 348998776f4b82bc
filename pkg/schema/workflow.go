package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BlockKind discriminates the block variants of a workflow graph.
type BlockKind string

const (
	BlockInput       BlockKind = "input"
	BlockDecision    BlockKind = "decision"
	BlockOutput      BlockKind = "output"
	BlockWorkflowRef BlockKind = "workflow"
)

// ValueKind is the declared type of an input variable.
type ValueKind string

const (
	ValueInt    ValueKind = "int"
	ValueFloat  ValueKind = "float"
	ValueBool   ValueKind = "bool"
	ValueString ValueKind = "string"
	ValueEnum   ValueKind = "enum"
	ValueDate   ValueKind = "date"
)

// IsNumeric reports whether values of this kind are numbers.
func (k ValueKind) IsNumeric() bool {
	return k == ValueInt || k == ValueFloat
}

// Port names an edge endpoint on a block.
type Port string

const (
	PortDefault Port = "default"
	PortTrue    Port = "true"
	PortFalse   Port = "false"
)

// DefaultOutputName is the variable a WorkflowRef stores its child output under.
const DefaultOutputName = "result"

// Position is the canvas location of a block. Layout only.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Block is one node in a workflow graph. The set of implementations is closed:
// *InputBlock, *DecisionBlock, *OutputBlock and *WorkflowRefBlock.
type Block interface {
	BlockID() string
	Kind() BlockKind
	Pos() Position
	check() error
}

// BlockBase carries the fields every block variant shares.
type BlockBase struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
}

func (b BlockBase) BlockID() string { return b.ID }
func (b BlockBase) Pos() Position   { return b.Position }

// NumericRange bounds a numeric input. Either end may be open.
type NumericRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether v is within the declared bounds.
func (r *NumericRange) Contains(v float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// InputBlock declares a named, typed variable supplied by the caller.
type InputBlock struct {
	BlockBase
	Name       string        `json:"name"`
	ValueKind  ValueKind     `json:"value_kind"`
	Range      *NumericRange `json:"range,omitempty"`
	EnumValues []string      `json:"enum_values,omitempty"`
	Required   bool          `json:"required"`
}

func (*InputBlock) Kind() BlockKind { return BlockInput }

func (b *InputBlock) check() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("input block %q: name is required", b.ID)
	}
	switch b.ValueKind {
	case ValueInt, ValueFloat:
		if len(b.EnumValues) > 0 {
			return fmt.Errorf("input block %q: numeric input cannot declare enum values", b.ID)
		}
		if b.Range != nil && b.Range.Min != nil && b.Range.Max != nil && *b.Range.Min > *b.Range.Max {
			return fmt.Errorf("input block %q: range min %v exceeds max %v", b.ID, *b.Range.Min, *b.Range.Max)
		}
	case ValueEnum:
		if len(b.EnumValues) == 0 {
			return fmt.Errorf("input block %q: enum input requires enum values", b.ID)
		}
	case ValueBool, ValueString, ValueDate:
	default:
		return fmt.Errorf("input block %q: unknown value kind %q", b.ID, b.ValueKind)
	}
	return nil
}

func (b *InputBlock) MarshalJSON() ([]byte, error) {
	type alias InputBlock
	return json.Marshal(struct {
		Type BlockKind `json:"type"`
		*alias
	}{BlockInput, (*alias)(b)})
}

// UnmarshalJSON treats an omitted "required" as true.
func (b *InputBlock) UnmarshalJSON(data []byte) error {
	type alias InputBlock
	a := alias{Required: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = InputBlock(a)
	return nil
}

// DecisionBlock routes along its true or false port depending on Condition.
type DecisionBlock struct {
	BlockBase
	Condition string `json:"condition"`
}

func (*DecisionBlock) Kind() BlockKind { return BlockDecision }

func (b *DecisionBlock) check() error {
	if strings.TrimSpace(b.Condition) == "" {
		return fmt.Errorf("decision block %q: condition is required", b.ID)
	}
	return nil
}

func (b *DecisionBlock) MarshalJSON() ([]byte, error) {
	type alias DecisionBlock
	return json.Marshal(struct {
		Type BlockKind `json:"type"`
		*alias
	}{BlockDecision, (*alias)(b)})
}

// OutputBlock terminates execution with Value as the result.
type OutputBlock struct {
	BlockBase
	Value string `json:"value"`
}

func (*OutputBlock) Kind() BlockKind { return BlockOutput }

func (b *OutputBlock) check() error {
	if strings.TrimSpace(b.Value) == "" {
		return fmt.Errorf("output block %q: value is required", b.ID)
	}
	return nil
}

func (b *OutputBlock) MarshalJSON() ([]byte, error) {
	type alias OutputBlock
	return json.Marshal(struct {
		Type BlockKind `json:"type"`
		*alias
	}{BlockOutput, (*alias)(b)})
}

// WorkflowRefBlock invokes another workflow and stores its output under OutputName.
// InputMapping maps child input names to parent variable names.
type WorkflowRefBlock struct {
	BlockBase
	RefID        string            `json:"ref_id"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
	OutputName   string            `json:"output_name,omitempty"`
}

func (*WorkflowRefBlock) Kind() BlockKind { return BlockWorkflowRef }

func (b *WorkflowRefBlock) check() error {
	if strings.TrimSpace(b.RefID) == "" {
		return fmt.Errorf("workflow block %q: ref_id is required", b.ID)
	}
	return nil
}

func (b *WorkflowRefBlock) MarshalJSON() ([]byte, error) {
	type alias WorkflowRefBlock
	return json.Marshal(struct {
		Type BlockKind `json:"type"`
		*alias
	}{BlockWorkflowRef, (*alias)(b)})
}

// ResultName returns OutputName, or DefaultOutputName when unset.
func (b *WorkflowRefBlock) ResultName() string {
	if b.OutputName == "" {
		return DefaultOutputName
	}
	return b.OutputName
}

// UnmarshalBlock decodes one tagged block document.
func UnmarshalBlock(data []byte) (Block, error) {
	var head struct {
		Type BlockKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	var b Block
	switch head.Type {
	case BlockInput:
		b = &InputBlock{}
	case BlockDecision:
		b = &DecisionBlock{}
	case BlockOutput:
		b = &OutputBlock{}
	case BlockWorkflowRef:
		b = &WorkflowRefBlock{}
	default:
		return nil, fmt.Errorf("unknown block type %q", head.Type)
	}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Connection is a directed edge between two blocks.
type Connection struct {
	FromBlock string `json:"from"`
	FromPort  Port   `json:"from_port,omitempty"`
	ToBlock   string `json:"to"`
	ToPort    Port   `json:"to_port,omitempty"`
}

// Metadata describes a workflow and carries its accumulated validation stats.
type Metadata struct {
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Domain          string    `json:"domain,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	ValidationScore float64   `json:"validation_score"`
	ValidationCount int       `json:"validation_count"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Confidence buckets ValidationCount.
func (m Metadata) Confidence() ConfidenceLevel {
	return ConfidenceFor(m.ValidationCount)
}

// IsValidated reports whether the accumulated score is trustworthy.
func (m Metadata) IsValidated() bool {
	return Validated(m.ValidationScore, m.ValidationCount)
}

// Workflow is a directed graph of blocks. It is the unit of persistence.
type Workflow struct {
	ID          string       `json:"id"`
	Metadata    Metadata     `json:"metadata"`
	Blocks      []Block      `json:"blocks"`
	Connections []Connection `json:"connections"`
}

// NewWorkflow builds a workflow and checks its structural invariants.
func NewWorkflow(id string, meta Metadata, blocks []Block, conns []Connection) (*Workflow, error) {
	wf := &Workflow{ID: id, Metadata: meta, Blocks: blocks, Connections: conns}
	wf.normalize()
	if err := wf.Check(); err != nil {
		return nil, err
	}
	return wf, nil
}

// ParseWorkflow decodes a JSON workflow document and checks its invariants.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode workflow: %s", err).WithCause(err)
	}
	if err := wf.Check(); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (w *Workflow) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          string            `json:"id"`
		Metadata    Metadata          `json:"metadata"`
		Blocks      []json.RawMessage `json:"blocks"`
		Connections []Connection      `json:"connections"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks := make([]Block, 0, len(raw.Blocks))
	for i, rb := range raw.Blocks {
		b, err := UnmarshalBlock(rb)
		if err != nil {
			return fmt.Errorf("blocks[%d]: %w", i, err)
		}
		blocks = append(blocks, b)
	}
	*w = Workflow{ID: raw.ID, Metadata: raw.Metadata, Blocks: blocks, Connections: raw.Connections}
	w.normalize()
	return nil
}

func (w *Workflow) normalize() {
	for i := range w.Connections {
		if w.Connections[i].FromPort == "" {
			w.Connections[i].FromPort = PortDefault
		}
		if w.Connections[i].ToPort == "" {
			w.Connections[i].ToPort = PortDefault
		}
	}
	for _, b := range w.Blocks {
		if ref, ok := b.(*WorkflowRefBlock); ok && ref.OutputName == "" {
			ref.OutputName = DefaultOutputName
		}
	}
}

// Check validates block invariants, id uniqueness and connection endpoints.
// All problems are reported together.
func (w *Workflow) Check() error {
	return w.Structure().ToError()
}

// Structure returns every structural issue as a ValidationResult.
func (w *Workflow) Structure() *ValidationResult {
	res := &ValidationResult{}
	if strings.TrimSpace(w.ID) == "" {
		res.AddError("id", ErrCodeValidation, "workflow id is required")
	}
	seen := make(map[string]bool, len(w.Blocks))
	for i, b := range w.Blocks {
		path := fmt.Sprintf("blocks[%d]", i)
		if b == nil {
			res.AddError(path, ErrCodeValidation, "block is nil")
			continue
		}
		id := b.BlockID()
		if strings.TrimSpace(id) == "" {
			res.AddError(path, ErrCodeValidation, "block id is required")
		} else if seen[id] {
			res.AddBlockError(id, path, ErrCodeValidation, fmt.Sprintf("duplicate block id %q", id))
		}
		seen[id] = true
		if err := b.check(); err != nil {
			res.AddBlockError(id, path, ErrCodeValidation, err.Error())
		}
	}
	for i, c := range w.Connections {
		path := fmt.Sprintf("connections[%d]", i)
		// Connection issues belong to the source block when it exists.
		owner := ""
		if seen[c.FromBlock] {
			owner = c.FromBlock
		}
		if c.FromBlock == c.ToBlock {
			res.AddBlockError(owner, path, ErrCodeValidation, fmt.Sprintf("block %q cannot connect to itself", c.FromBlock))
		}
		if !seen[c.FromBlock] {
			res.AddError(path, ErrCodeValidation, fmt.Sprintf("unknown source block %q", c.FromBlock))
		}
		if !seen[c.ToBlock] {
			res.AddBlockError(owner, path, ErrCodeValidation, fmt.Sprintf("unknown target block %q", c.ToBlock))
		}
		switch c.FromPort {
		case PortDefault, PortTrue, PortFalse, "":
		default:
			res.AddBlockError(owner, path, ErrCodeValidation, fmt.Sprintf("unknown port %q", c.FromPort))
		}
	}
	return res
}

// Block returns the block with the given id, or nil.
func (w *Workflow) Block(id string) Block {
	for _, b := range w.Blocks {
		if b.BlockID() == id {
			return b
		}
	}
	return nil
}

// ConnectionsFrom returns the outgoing connections of a block in declaration order.
func (w *Workflow) ConnectionsFrom(id string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.FromBlock == id {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsTo returns the incoming connections of a block in declaration order.
func (w *Workflow) ConnectionsTo(id string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.ToBlock == id {
			out = append(out, c)
		}
	}
	return out
}

// Inputs returns the input blocks in declaration order.
func (w *Workflow) Inputs() []*InputBlock {
	var out []*InputBlock
	for _, b := range w.Blocks {
		if ib, ok := b.(*InputBlock); ok {
			out = append(out, ib)
		}
	}
	return out
}

// Decisions returns the decision blocks in declaration order.
func (w *Workflow) Decisions() []*DecisionBlock {
	var out []*DecisionBlock
	for _, b := range w.Blocks {
		if db, ok := b.(*DecisionBlock); ok {
			out = append(out, db)
		}
	}
	return out
}

// Outputs returns the output blocks in declaration order.
func (w *Workflow) Outputs() []*OutputBlock {
	var out []*OutputBlock
	for _, b := range w.Blocks {
		if ob, ok := b.(*OutputBlock); ok {
			out = append(out, ob)
		}
	}
	return out
}

// WorkflowRefs returns the workflow reference blocks in declaration order.
func (w *Workflow) WorkflowRefs() []*WorkflowRefBlock {
	var out []*WorkflowRefBlock
	for _, b := range w.Blocks {
		if rb, ok := b.(*WorkflowRefBlock); ok {
			out = append(out, rb)
		}
	}
	return out
}
