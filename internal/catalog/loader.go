// Package catalog imports workflow documents from a directory into the store
// and optionally keeps them in sync as files change.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/internal/validation"
	"github.com/rendis/verdict/pkg/schema"
)

// Extensions lists the document formats the loader reads.
var Extensions = []string{".json", ".yaml", ".yml"}

// Loader reads workflow documents, validates them and saves them. Saving keeps
// the accumulated validation stats of workflows already in the store.
type Loader struct {
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

// NewLoader creates a Loader. logger may be nil.
func NewLoader(s store.Store, v *validation.WorkflowValidator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: s, validator: v, logger: logger}
}

// Report summarizes one directory load.
type Report struct {
	Loaded   []string          `json:"loaded"`
	Failed   map[string]string `json:"failed,omitempty"`
	Warnings int               `json:"warnings"`
}

// Decode reads a workflow document in JSON or YAML (chosen by extension),
// checks it against the document schema and decodes it. Only structural
// checks run here.
func (l *Loader) Decode(path string, data []byte) (*schema.Workflow, error) {
	raw, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	if err := l.validator.Documents().ValidateDocument(raw); err != nil {
		return nil, err
	}
	return schema.ParseWorkflow(raw)
}

// LoadFile imports a single document. References resolve against the store.
func (l *Loader) LoadFile(ctx context.Context, path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	wf, err := l.Decode(path, data)
	if err != nil {
		return nil, err
	}
	if _, err := l.save(ctx, l.validator, path, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// LoadDir imports every document under dir. Documents may reference each
// other regardless of file order. A failing document does not stop the others.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Report, error) {
	paths, err := documentPaths(dir)
	if err != nil {
		return nil, err
	}

	type decoded struct {
		path string
		wf   *schema.Workflow
	}
	report := &Report{Loaded: []string{}, Failed: map[string]string{}}
	batch := make(map[string]*schema.Workflow, len(paths))
	origin := make(map[string]string, len(paths))
	var ordered []decoded
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			report.Failed[p] = err.Error()
			continue
		}
		wf, err := l.Decode(p, data)
		if err != nil {
			report.Failed[p] = err.Error()
			continue
		}
		if prev, dup := origin[wf.ID]; dup {
			report.Failed[p] = fmt.Sprintf("workflow id %q already defined in %s", wf.ID, prev)
			continue
		}
		origin[wf.ID] = p
		batch[wf.ID] = wf
		ordered = append(ordered, decoded{path: p, wf: wf})
	}

	v := l.validator.WithLookup(batchGetter{batch: batch, next: l.store})
	for _, d := range ordered {
		warnings, err := l.save(ctx, v, d.path, d.wf)
		report.Warnings += warnings
		if err != nil {
			report.Failed[d.path] = err.Error()
			continue
		}
		report.Loaded = append(report.Loaded, d.wf.ID)
	}

	l.logger.Info("workflow catalog loaded",
		"dir", dir, "loaded", len(report.Loaded), "failed", len(report.Failed), "warnings", report.Warnings)
	return report, nil
}

// save validates wf and stores it. It returns the number of warnings.
func (l *Loader) save(ctx context.Context, v *validation.WorkflowValidator, path string, wf *schema.Workflow) (int, error) {
	result := v.Validate(ctx, wf)
	for _, w := range result.Warnings {
		l.logger.Warn("workflow document warning",
			"path", path, "workflow_id", wf.ID, "at", w.Path, "warning", w.Message)
	}
	if err := result.ToError(); err != nil {
		return len(result.Warnings), err
	}
	return len(result.Warnings), l.store.SaveWorkflow(ctx, wf)
}

// batchGetter resolves references against workflows being loaded together
// before falling back to the store.
type batchGetter struct {
	batch map[string]*schema.Workflow
	next  store.WorkflowGetter
}

func (g batchGetter) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	if wf, ok := g.batch[id]; ok {
		return wf, nil
	}
	return g.next.GetWorkflow(ctx, id)
}

// toJSON normalizes a document to JSON bytes.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %s", path, err).WithCause(err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "convert %s to JSON: %s", path, err).WithCause(err)
		}
		return raw, nil
	case ".json":
		return data, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported workflow document %s (want %s)",
		path, strings.Join(Extensions, ", "))
}

// EncodeYAML renders a workflow as a YAML document.
func EncodeYAML(wf *schema.Workflow) ([]byte, error) {
	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func documentPaths(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && hasExtension(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func hasExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
