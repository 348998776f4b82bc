package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/verdict/internal/catalog"
	"github.com/rendis/verdict/internal/diagram"
	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/internal/validation"
	"github.com/rendis/verdict/pkg/schema"
)

// errCheckFailed signals that at least one document was rejected; the
// details are already printed.
var errCheckFailed = errors.New("check failed")

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	catalogDir := fs.String("catalog", "", "directory whose workflows resolve references")
	format := fs.String("format", "", "also print each valid workflow: ascii, mermaid or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: verdict check [-catalog dir] [-format ascii|mermaid|yaml] file...")
	}
	switch *format {
	case "", "ascii", "mermaid", "yaml":
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	return checkFiles(context.Background(), os.Stdout, *catalogDir, *format, fs.Args())
}

// checkFiles validates each file against an in-memory store seeded from
// catalogDir, printing issues and optional renderings to out.
func checkFiles(ctx context.Context, out io.Writer, catalogDir, format string, paths []string) error {
	ms := store.NewMemoryStore()
	eval := expressions.NewEvaluator()
	validator, err := validation.NewWorkflowValidator(eval, ms)
	if err != nil {
		return err
	}
	loader := catalog.NewLoader(ms, validator, nil)
	if catalogDir != "" {
		if _, err := loader.LoadDir(ctx, catalogDir); err != nil {
			return err
		}
	}

	failed := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		wf, err := loader.Decode(path, data)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed = true
			continue
		}

		result := validator.Validate(ctx, wf)
		printIssues(out, path, result)
		if !result.Valid() {
			failed = true
			continue
		}
		fmt.Fprintf(out, "%s: ok (%s)\n", path, wf.ID)
		if err := render(ctx, out, ms, wf, format); err != nil {
			return err
		}
	}
	if failed {
		return errCheckFailed
	}
	return nil
}

func printIssues(out io.Writer, path string, result *schema.ValidationResult) {
	for _, e := range result.Errors {
		fmt.Fprintf(out, "%s: error %s at %s: %s\n", path, e.Code, issueLocation(e), e.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "%s: warning %s at %s: %s\n", path, w.Code, issueLocation(w), w.Message)
	}
}

func issueLocation(is schema.ValidationIssue) string {
	if is.BlockID == "" {
		return is.Path
	}
	return fmt.Sprintf("%s (block %s)", is.Path, is.BlockID)
}

func render(ctx context.Context, out io.Writer, children store.WorkflowGetter, wf *schema.Workflow, format string) error {
	switch format {
	case "":
		return nil
	case "yaml":
		data, err := catalog.EncodeYAML(wf)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	model, err := diagram.Build(ctx, wf, diagram.WithChildren(children))
	if err != nil {
		return err
	}
	if format == "mermaid" {
		fmt.Fprintln(out, diagram.RenderMermaid(model))
	} else {
		fmt.Fprintln(out, diagram.RenderASCII(model))
	}
	return nil
}
