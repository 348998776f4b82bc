package validation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// validateSemantic checks what the structure cannot: conditions parse and
// name known variables, input names are unique, workflow references resolve
// and their mappings line up with the child's inputs.
func validateSemantic(ctx context.Context, wf *schema.Workflow, eval *expressions.Evaluator, lookup store.WorkflowGetter) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(wf.Outputs()) == 0 {
		result.AddError("blocks", schema.ErrCodeValidation, "workflow has no output block")
	}

	// Variables visible to conditions: inputs plus workflow-ref results.
	known := make([]string, 0, len(wf.Blocks))
	inputSeen := make(map[string]string)
	for i, b := range wf.Blocks {
		path := fmt.Sprintf("blocks[%d]", i)
		switch v := b.(type) {
		case *schema.InputBlock:
			if other, dup := inputSeen[v.Name]; dup {
				result.AddBlockError(v.ID, path+".name", schema.ErrCodeValidation,
					fmt.Sprintf("input name %q already declared by block %q", v.Name, other))
				continue
			}
			inputSeen[v.Name] = v.ID
			known = append(known, v.Name)
		case *schema.WorkflowRefBlock:
			known = append(known, v.ResultName())
		}
	}

	for i, b := range wf.Blocks {
		path := fmt.Sprintf("blocks[%d]", i)
		switch v := b.(type) {
		case *schema.DecisionBlock:
			for _, err := range eval.Validate(v.Condition, known) {
				result.AddBlockError(v.ID, path+".condition", codeOf(err), err.Error())
			}
			validateBranches(wf, v, path, result)

		case *schema.WorkflowRefBlock:
			validateRef(ctx, wf, v, path, known, lookup, result)
		}
	}
	return result
}

// validateBranches warns when a decision cannot follow one of its outcomes.
func validateBranches(wf *schema.Workflow, d *schema.DecisionBlock, path string, result *schema.ValidationResult) {
	ports := map[schema.Port]bool{}
	for _, c := range wf.ConnectionsFrom(d.ID) {
		ports[c.FromPort] = true
	}
	if ports[schema.PortDefault] {
		return
	}
	for _, p := range []schema.Port{schema.PortTrue, schema.PortFalse} {
		if !ports[p] {
			result.AddBlockWarning(d.ID, path, schema.ErrCodeDeadEnd,
				fmt.Sprintf("decision %q has no %q branch", d.ID, p))
		}
	}
}

func validateRef(ctx context.Context, wf *schema.Workflow, ref *schema.WorkflowRefBlock, path string,
	known []string, lookup store.WorkflowGetter, result *schema.ValidationResult) {
	if ref.RefID == wf.ID {
		result.AddBlockError(ref.ID, path+".ref_id", schema.ErrCodeCircularReference,
			fmt.Sprintf("workflow %q references itself", wf.ID))
	}
	for _, childName := range sortedKeys(ref.InputMapping) {
		parentVar := ref.InputMapping[childName]
		if !slices.Contains(known, parentVar) {
			result.AddBlockError(ref.ID, fmt.Sprintf("%s.input_mapping[%s]", path, childName), schema.ErrCodeMissingVariable,
				fmt.Sprintf("mapped variable %q is not defined in this workflow", parentVar))
		}
	}

	if lookup == nil || ref.RefID == wf.ID {
		return
	}
	child, err := lookup.GetWorkflow(ctx, ref.RefID)
	if err != nil {
		if schema.IsNotFound(err) {
			result.AddBlockError(ref.ID, path+".ref_id", schema.ErrCodeWorkflowNotFound,
				fmt.Sprintf("referenced workflow %q does not exist", ref.RefID))
		} else {
			result.AddBlockWarning(ref.ID, path+".ref_id", schema.ErrCodeStore,
				fmt.Sprintf("could not load referenced workflow %q: %s", ref.RefID, err))
		}
		return
	}

	childInputs := make(map[string]*schema.InputBlock)
	for _, in := range child.Inputs() {
		childInputs[in.Name] = in
	}
	for _, childName := range sortedKeys(ref.InputMapping) {
		if _, ok := childInputs[childName]; !ok {
			result.AddBlockError(ref.ID, fmt.Sprintf("%s.input_mapping[%s]", path, childName), schema.ErrCodeValidation,
				fmt.Sprintf("workflow %q has no input named %q", ref.RefID, childName))
		}
	}
	for _, in := range child.Inputs() {
		if _, mapped := ref.InputMapping[in.Name]; in.Required && !mapped {
			result.AddBlockError(ref.ID, path+".input_mapping", schema.ErrCodeValidation,
				fmt.Sprintf("required input %q of workflow %q is not mapped", in.Name, ref.RefID))
		}
	}
}

func codeOf(err error) string {
	var verr *schema.VerdictError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return schema.ErrCodeValidation
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
