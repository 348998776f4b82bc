// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/verdict/internal/diagram"
	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

func fptr(f float64) *float64 { return &f }

func main() {
	ctx := context.Background()

	// Child: age → adult/minor. Parent: loan eligibility composing it.
	age, err := schema.NewWorkflow("age_check", schema.Metadata{Name: "Age check"},
		[]schema.Block{
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in_age"}, Name: "age", ValueKind: schema.ValueInt,
				Range: &schema.NumericRange{Min: fptr(0), Max: fptr(120)}, Required: true},
			&schema.DecisionBlock{BlockBase: schema.BlockBase{ID: "adult"}, Condition: "age >= 18"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "yes"}, Value: "Adult"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "no"}, Value: "Minor"},
		},
		[]schema.Connection{
			{FromBlock: "in_age", ToBlock: "adult"},
			{FromBlock: "adult", FromPort: schema.PortTrue, ToBlock: "yes"},
			{FromBlock: "adult", FromPort: schema.PortFalse, ToBlock: "no"},
		})
	exitOn("age workflow", err)

	loan, err := schema.NewWorkflow("loan", schema.Metadata{Name: "Loan eligibility"},
		[]schema.Block{
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in_years"}, Name: "years", ValueKind: schema.ValueInt, Required: true},
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in_income"}, Name: "income", ValueKind: schema.ValueFloat, Required: true},
			&schema.WorkflowRefBlock{BlockBase: schema.BlockBase{ID: "age"}, RefID: "age_check",
				InputMapping: map[string]string{"age": "years"}, OutputName: "category"},
			&schema.DecisionBlock{BlockBase: schema.BlockBase{ID: "is_adult"}, Condition: "category == 'Adult'"},
			&schema.DecisionBlock{BlockBase: schema.BlockBase{ID: "income_ok"}, Condition: "income >= 30000 && years < 70"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "approve"}, Value: "Approved"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "review"}, Value: "Manual review"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "reject"}, Value: "Rejected"},
		},
		[]schema.Connection{
			{FromBlock: "in_years", ToBlock: "age"},
			{FromBlock: "in_income", ToBlock: "age"},
			{FromBlock: "age", ToBlock: "is_adult"},
			{FromBlock: "is_adult", FromPort: schema.PortTrue, ToBlock: "income_ok"},
			{FromBlock: "is_adult", FromPort: schema.PortFalse, ToBlock: "reject"},
			{FromBlock: "income_ok", FromPort: schema.PortTrue, ToBlock: "approve"},
			{FromBlock: "income_ok", FromPort: schema.PortFalse, ToBlock: "review"},
		})
	exitOn("loan workflow", err)

	ms := store.NewMemoryStore()
	exitOn("store age", ms.CreateWorkflow(ctx, age))
	exitOn("store loan", ms.CreateWorkflow(ctx, loan))

	exec := engine.NewExecutor(ms, nil, engine.ExecutorConfig{})
	trace := exec.Trace(ctx, loan, map[string]any{"years": 34, "income": 42000.0})

	model, err := diagram.Build(ctx, loan, diagram.WithTrace(trace), diagram.WithChildren(ms))
	exitOn("build", err)

	outDir := filepath.Join("docs", "assets")
	exitOn("mkdir", os.MkdirAll(outDir, 0o755))

	ascii := diagram.RenderASCII(model)
	exitOn("write ascii", os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	exitOn("write mermaid", os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "diagram-sample.png")
	exitOn("write png", os.WriteFile(pngPath, png, 0o644))
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func exitOn(what string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
		os.Exit(1)
	}
}
