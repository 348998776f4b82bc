package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/logging"
	"github.com/rendis/verdict/internal/metrics"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// Executor walks workflow graphs deterministically.
type Executor interface {
	// Execute validates inputs and runs the workflow to an output block.
	// Failures are reported in the result, never returned or panicked.
	Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any) *ExecutionResult

	// Trace is Execute plus a per-step record of state and decisions.
	Trace(ctx context.Context, wf *schema.Workflow, inputs map[string]any) *TraceResult

	// ValidateInputs returns every problem with inputs; empty means valid.
	ValidateInputs(wf *schema.Workflow, inputs map[string]any) []string
}

// ExecutionResult is the outcome of one execution.
type ExecutionResult struct {
	Success bool                 `json:"success"`
	Output  string               `json:"output,omitempty"`
	Path    []string             `json:"path"`
	Error   *schema.VerdictError `json:"error,omitempty"`
	Context map[string]any       `json:"context,omitempty"`
}

// TraceStep records one visited block.
type TraceStep struct {
	BlockID         string           `json:"block_id"`
	Kind            schema.BlockKind `json:"kind"`
	State           map[string]any   `json:"state"`
	Condition       string           `json:"condition,omitempty"`
	ConditionResult *bool            `json:"condition_result,omitempty"`
	Port            schema.Port      `json:"port,omitempty"`
	Child           *TraceResult     `json:"child,omitempty"`
}

// TraceResult is an ExecutionResult with its steps.
type TraceResult struct {
	ExecutionResult
	WorkflowID string      `json:"workflow_id"`
	Steps      []TraceStep `json:"steps"`
}

// DefaultMaxSteps caps the number of blocks a single run may visit.
const DefaultMaxSteps = 1000

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	MaxSteps int              // per-run step cap (0 = DefaultMaxSteps)
	Logger   *slog.Logger     // nil = slog.Default()
	Metrics  *metrics.Metrics // nil = no metrics
}

type executorImpl struct {
	repo    store.WorkflowGetter
	eval    *expressions.Evaluator
	config  ExecutorConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates an Executor resolving child workflows through repo.
func NewExecutor(repo store.WorkflowGetter, eval *expressions.Evaluator, cfg ExecutorConfig) Executor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if eval == nil {
		eval = expressions.NewEvaluator()
	}
	return &executorImpl{
		repo:    repo,
		eval:    eval,
		config:  cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

func (e *executorImpl) Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any) *ExecutionResult {
	res := e.run(ctx, wf, inputs, nil, nil)
	e.observe(ctx, wf, res)
	return res
}

func (e *executorImpl) Trace(ctx context.Context, wf *schema.Workflow, inputs map[string]any) *TraceResult {
	tr := &TraceResult{Steps: []TraceStep{}}
	if wf != nil {
		tr.WorkflowID = wf.ID
	}
	res := e.run(ctx, wf, inputs, nil, tr)
	tr.ExecutionResult = *res
	e.observe(ctx, wf, res)
	return tr
}

func (e *executorImpl) observe(ctx context.Context, wf *schema.Workflow, res *ExecutionResult) {
	outcome := "ok"
	if res.Error != nil {
		outcome = res.Error.Code
	}
	e.metrics.ExecutionFinished(outcome, len(res.Path))

	if wf != nil {
		ctx = logging.WithWorkflowID(ctx, wf.ID)
	}
	log := logging.LogWith(ctx, e.logger)
	if res.Error != nil {
		log.Debug("workflow execution failed", "code", res.Error.Code, "error", res.Error.Message, "steps", len(res.Path))
		return
	}
	log.Debug("workflow executed", "output", res.Output, "steps", len(res.Path))
}

// run executes wf. ancestors holds the ids of the workflows currently being
// executed above this one, outermost first; it is never mutated.
func (e *executorImpl) run(ctx context.Context, wf *schema.Workflow, inputs map[string]any, ancestors []string, tr *TraceResult) *ExecutionResult {
	res := &ExecutionResult{Path: []string{}}
	fail := func(err *schema.VerdictError) *ExecutionResult {
		res.Error = err
		res.Success = false
		return res
	}

	if wf == nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "workflow is nil"))
	}
	if problems := e.ValidateInputs(wf, inputs); len(problems) > 0 {
		return fail(schema.NewErrorf(schema.ErrCodeValidation, "invalid inputs: %s", strings.Join(problems, "; ")).
			WithDetails(map[string]any{"errors": problems, "workflow_id": wf.ID}))
	}

	vars := make(map[string]any, len(inputs))
	for k, v := range inputs {
		vars[k] = v
	}
	res.Context = vars

	outputs := wf.Outputs()
	if len(outputs) == 0 {
		return fail(schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no output block", wf.ID))
	}
	if len(wf.Decisions()) == 0 && len(wf.WorkflowRefs()) == 0 {
		res.Path = append(res.Path, outputs[0].ID)
		e.record(tr, TraceStep{BlockID: outputs[0].ID, Kind: schema.BlockOutput, State: expressions.Snapshot(vars)})
		res.Output = outputs[0].Value
		res.Success = true
		return res
	}

	current := StartBlock(wf)
	if current == nil {
		return fail(schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no start block", wf.ID))
	}

	for steps := 0; ; steps++ {
		if steps >= e.config.MaxSteps {
			return fail(schema.NewErrorf(schema.ErrCodeStepLimitExceeded,
				"workflow %q exceeded %d steps", wf.ID, e.config.MaxSteps).
				WithDetails(map[string]any{"workflow_id": wf.ID, "max_steps": e.config.MaxSteps}))
		}
		if err := ctx.Err(); err != nil {
			return fail(schema.NewErrorf(schema.ErrCodeExecution, "execution cancelled: %s", err).WithCause(err))
		}

		res.Path = append(res.Path, current.BlockID())
		step := TraceStep{BlockID: current.BlockID(), Kind: current.Kind()}
		if tr != nil {
			step.State = expressions.Snapshot(vars)
		}

		port := schema.PortDefault
		switch b := current.(type) {
		case *schema.OutputBlock:
			e.record(tr, step)
			res.Output = b.Value
			res.Success = true
			return res

		case *schema.DecisionBlock:
			ok, err := e.eval.Evaluate(b.Condition, vars)
			if err != nil {
				e.record(tr, step)
				return fail(schema.AsVerdictError(err, schema.ErrCodeEvaluation).WithBlock(b.ID))
			}
			port = schema.PortFalse
			if ok {
				port = schema.PortTrue
			}
			step.Condition = b.Condition
			step.ConditionResult = &ok

		case *schema.WorkflowRefBlock:
			var child *TraceResult
			if tr != nil {
				child = &TraceResult{WorkflowID: b.RefID, Steps: []TraceStep{}}
			}
			out, err := e.invoke(ctx, wf, b, vars, ancestors, child)
			if child != nil {
				step.Child = child
			}
			if err != nil {
				e.record(tr, step)
				return fail(err)
			}
			vars[b.ResultName()] = out

		case *schema.InputBlock:
		}

		next, taken := nextBlock(wf, current.BlockID(), port)
		step.Port = taken
		e.record(tr, step)
		if next == nil {
			return fail(schema.NewErrorf(schema.ErrCodeDeadEnd,
				"block %q has no outgoing connection for port %q", current.BlockID(), port).
				WithBlock(current.BlockID()))
		}
		current = next
	}
}

// invoke runs a referenced workflow and returns its output.
func (e *executorImpl) invoke(ctx context.Context, parent *schema.Workflow, ref *schema.WorkflowRefBlock,
	vars map[string]any, ancestors []string, tr *TraceResult) (string, *schema.VerdictError) {
	chain := append(slices.Clone(ancestors), parent.ID)
	if slices.Contains(chain, ref.RefID) {
		cycle := strings.Join(append(slices.Clone(chain), ref.RefID), " -> ")
		return "", schema.NewErrorf(schema.ErrCodeCircularReference, "circular workflow reference: %s", cycle).
			WithBlock(ref.ID).
			WithDetails(map[string]any{"chain": append(chain, ref.RefID)})
	}

	child, err := e.repo.GetWorkflow(ctx, ref.RefID)
	if err != nil {
		if schema.IsNotFound(err) {
			return "", schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", ref.RefID).
				WithBlock(ref.ID).WithCause(err)
		}
		return "", schema.NewErrorf(schema.ErrCodeStore, "load workflow %q: %s", ref.RefID, err).
			WithBlock(ref.ID).WithCause(err)
	}

	childInputs := make(map[string]any, len(ref.InputMapping))
	for _, childName := range sortedMappingKeys(ref.InputMapping) {
		parentVar := ref.InputMapping[childName]
		v, ok := vars[parentVar]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeMissingVariable,
				"variable '%s' mapped to input '%s' of workflow %q is not defined", parentVar, childName, ref.RefID).
				WithBlock(ref.ID)
		}
		childInputs[childName] = v
	}

	e.metrics.WorkflowRefResolved()
	res := e.run(ctx, child, childInputs, chain, tr)
	if tr != nil {
		tr.ExecutionResult = *res
	}
	if res.Error != nil {
		if res.Error.Code == schema.ErrCodeCircularReference {
			return "", res.Error
		}
		return "", schema.NewErrorf(schema.ErrCodeSubWorkflowFailed,
			"sub-workflow %q failed: %s", ref.RefID, res.Error.Message).
			WithBlock(ref.ID).
			WithCause(res.Error).
			WithDetails(map[string]any{"workflow_id": ref.RefID, "child_code": res.Error.Code})
	}
	return res.Output, nil
}

func (e *executorImpl) record(tr *TraceResult, step TraceStep) {
	if tr != nil {
		tr.Steps = append(tr.Steps, step)
	}
}

// StartBlock returns the first declared non-input block that has no incoming
// connections, or whose incoming connections all come from input blocks.
func StartBlock(wf *schema.Workflow) schema.Block {
	for _, b := range wf.Blocks {
		if b.Kind() == schema.BlockInput {
			continue
		}
		fromInputsOnly := true
		for _, c := range wf.ConnectionsTo(b.BlockID()) {
			src := wf.Block(c.FromBlock)
			if src == nil || src.Kind() != schema.BlockInput {
				fromInputsOnly = false
				break
			}
		}
		if fromInputsOnly {
			return b
		}
	}
	return nil
}

// nextBlock follows the first connection leaving id on port, falling back to
// the default port. It returns the port actually taken.
func nextBlock(wf *schema.Workflow, id string, port schema.Port) (schema.Block, schema.Port) {
	conns := wf.ConnectionsFrom(id)
	for _, want := range []schema.Port{port, schema.PortDefault} {
		for _, c := range conns {
			if c.FromPort == want {
				return wf.Block(c.ToBlock), want
			}
		}
	}
	return nil, ""
}

func sortedMappingKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ Executor = (*executorImpl)(nil)

// String renders a one-line summary, used in logs and the CLI.
func (r *ExecutionResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("error %s after %d steps", r.Error.Error(), len(r.Path))
	}
	return fmt.Sprintf("%s (via %s)", r.Output, strings.Join(r.Path, " -> "))
}
