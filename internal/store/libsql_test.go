package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/verdict/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func ptr(f float64) *float64 { return &f }

func sampleWorkflow(t *testing.T, id string) *schema.Workflow {
	t.Helper()
	wf, err := schema.NewWorkflow(id,
		schema.Metadata{Name: "Age check " + id, Domain: "eligibility", Tags: []string{"age", "demo"}},
		[]schema.Block{
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in_age"}, Name: "age", ValueKind: schema.ValueInt,
				Range: &schema.NumericRange{Min: ptr(0), Max: ptr(120)}, Required: true},
			&schema.DecisionBlock{BlockBase: schema.BlockBase{ID: "adult"}, Condition: "age >= 18"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "yes"}, Value: "Adult"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "no"}, Value: "Minor"},
		},
		[]schema.Connection{
			{FromBlock: "in_age", ToBlock: "adult"},
			{FromBlock: "adult", FromPort: schema.PortTrue, ToBlock: "yes"},
			{FromBlock: "adult", FromPort: schema.PortFalse, ToBlock: "no"},
		},
	)
	require.NoError(t, err)
	return wf
}

func testStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"libsql": newTestStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

func TestWorkflow_CreateAndGet(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wf := sampleWorkflow(t, "wf-1")
			require.NoError(t, s.CreateWorkflow(ctx, wf))

			got, err := s.GetWorkflow(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, "wf-1", got.ID)
			assert.Equal(t, "Age check wf-1", got.Metadata.Name)
			assert.Equal(t, "eligibility", got.Metadata.Domain)
			assert.Equal(t, []string{"age", "demo"}, got.Metadata.Tags)
			require.Len(t, got.Blocks, 4)
			assert.Equal(t, schema.BlockDecision, got.Blocks[1].Kind())
			assert.Equal(t, "age >= 18", got.Blocks[1].(*schema.DecisionBlock).Condition)
			in := got.Blocks[0].(*schema.InputBlock)
			assert.True(t, in.Required)
			assert.Equal(t, 120.0, *in.Range.Max)
			assert.Len(t, got.Connections, 3)
			assert.Equal(t, schema.PortDefault, got.Connections[0].FromPort)
			assert.False(t, got.Metadata.CreatedAt.IsZero())
		})
	}
}

func TestWorkflow_CorruptColumnsAreReported(t *testing.T) {
	tests := []struct {
		name    string
		column  string
		value   string
		message string
	}{
		{"tags", "tags", `{"age":true}`, "unmarshal tags of broken"},
		{"definition", "definition", `{"blocks":[{"type":"gate"}]}`, "unmarshal definition of broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow(t, "broken")))
			require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow(t, "fine")))
			_, err := s.DB().ExecContext(ctx, `UPDATE workflows SET `+tt.column+` = ? WHERE id = ?`, tt.value, "broken")
			require.NoError(t, err)

			_, err = s.GetWorkflow(ctx, "broken")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)

			_, err = s.ListWorkflows(ctx, WorkflowFilter{})
			assert.ErrorContains(t, err, tt.message)

			got, err := s.GetWorkflow(ctx, "fine")
			require.NoError(t, err)
			assert.Equal(t, []string{"age", "demo"}, got.Metadata.Tags)
		})
	}
}

func TestWorkflow_CreateDuplicate(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow(t, "dup")))
			err := s.CreateWorkflow(ctx, sampleWorkflow(t, "dup"))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestWorkflow_GetNotFound(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetWorkflow(context.Background(), "nonexistent")
			require.Error(t, err)
			assert.True(t, schema.IsNotFound(err))
		})
	}
}

func TestWorkflow_UpdateValidation(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow(t, "wf-v")))

			ok, err := s.UpdateValidation(ctx, "wf-v", 87.5, 16)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.GetWorkflow(ctx, "wf-v")
			require.NoError(t, err)
			assert.Equal(t, 87.5, got.Metadata.ValidationScore)
			assert.Equal(t, 16, got.Metadata.ValidationCount)
			assert.True(t, got.Metadata.IsValidated())

			ok, err = s.UpdateValidation(ctx, "missing", 10, 1)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestWorkflow_SaveKeepsValidationStats(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wf := sampleWorkflow(t, "wf-s")
			require.NoError(t, s.SaveWorkflow(ctx, wf))
			_, err := s.UpdateValidation(ctx, "wf-s", 90, 20)
			require.NoError(t, err)

			wf.Metadata.Name = "renamed"
			wf.Metadata.ValidationScore = 0
			wf.Metadata.ValidationCount = 0
			require.NoError(t, s.SaveWorkflow(ctx, wf))

			got, err := s.GetWorkflow(ctx, "wf-s")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Metadata.Name)
			assert.Equal(t, 90.0, got.Metadata.ValidationScore)
			assert.Equal(t, 20, got.Metadata.ValidationCount)
		})
	}
}

func TestWorkflow_ListFilters(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := sampleWorkflow(t, "a")
			b := sampleWorkflow(t, "b")
			b.Metadata.Domain = "pricing"
			b.Metadata.Tags = []string{"discount"}
			require.NoError(t, s.CreateWorkflow(ctx, a))
			require.NoError(t, s.CreateWorkflow(ctx, b))
			_, err := s.UpdateValidation(ctx, "a", 95, 12)
			require.NoError(t, err)

			all, err := s.ListWorkflows(ctx, WorkflowFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			pricing, err := s.ListWorkflows(ctx, WorkflowFilter{Domain: "pricing"})
			require.NoError(t, err)
			require.Len(t, pricing, 1)
			assert.Equal(t, "b", pricing[0].ID)

			tagged, err := s.ListWorkflows(ctx, WorkflowFilter{Tag: "demo"})
			require.NoError(t, err)
			require.Len(t, tagged, 1)
			assert.Equal(t, "a", tagged[0].ID)

			validated, err := s.ListWorkflows(ctx, WorkflowFilter{ValidatedOnly: true})
			require.NoError(t, err)
			require.Len(t, validated, 1)
			assert.Equal(t, "a", validated[0].ID)

			limited, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestWorkflow_Delete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow(t, "del")))
			require.NoError(t, s.DeleteWorkflow(ctx, "del"))

			_, err := s.GetWorkflow(ctx, "del")
			assert.True(t, schema.IsNotFound(err))

			err = s.DeleteWorkflow(ctx, "del")
			assert.True(t, schema.IsNotFound(err))
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow(t, "iso")))

	got, err := s.GetWorkflow(ctx, "iso")
	require.NoError(t, err)
	got.Blocks[1].(*schema.DecisionBlock).Condition = "age >= 99"

	again, err := s.GetWorkflow(ctx, "iso")
	require.NoError(t, err)
	assert.Equal(t, "age >= 18", again.Blocks[1].(*schema.DecisionBlock).Condition)
}
