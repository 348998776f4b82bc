package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/verdict/internal/casegen"
	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/metrics"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

func fptr(f float64) *float64 { return &f }

func ageWorkflow(t *testing.T, id string) *schema.Workflow {
	t.Helper()
	wf, err := schema.NewWorkflow(id, schema.Metadata{Name: "age " + id},
		[]schema.Block{
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in_age"}, Name: "age", ValueKind: schema.ValueInt,
				Range: &schema.NumericRange{Min: fptr(0), Max: fptr(120)}, Required: true},
			&schema.DecisionBlock{BlockBase: schema.BlockBase{ID: "d"}, Condition: "age >= 18"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "yes"}, Value: "Adult"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "no"}, Value: "Minor"},
		},
		[]schema.Connection{
			{FromBlock: "in_age", ToBlock: "d"},
			{FromBlock: "d", FromPort: schema.PortTrue, ToBlock: "yes"},
			{FromBlock: "d", FromPort: schema.PortFalse, ToBlock: "no"},
		})
	require.NoError(t, err)
	return wf
}

// expected is what a careful human would answer for the age workflow.
func expected(c *schema.ValidationCase) string {
	if c.Inputs["age"].(int) >= 18 {
		return "adult"
	}
	return "minor"
}

func wrong(c *schema.ValidationCase) string {
	if expected(c) == "adult" {
		return "Minor"
	}
	return "Adult"
}

type fixture struct {
	ms      *store.MemoryStore
	mgr     *Manager
	metrics *metrics.Metrics
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, wfs ...*schema.Workflow) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, wf := range wfs {
		require.NoError(t, ms.CreateWorkflow(context.Background(), wf))
	}
	return newFixtureWithRepo(t, ms, ms)
}

func newFixtureWithRepo(t *testing.T, ms *store.MemoryStore, repo store.Repository) *fixture {
	t.Helper()
	eval := expressions.NewEvaluator()
	m := metrics.New()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	exec := engine.NewExecutor(repo, eval, engine.ExecutorConfig{Metrics: m})
	gen := casegen.NewGenerator(eval, casegen.WithSeed(1))
	mgr := NewManager(repo, exec, gen, NewTable(), NewSessionFSM(ms), Config{Metrics: m, Now: clock.Now})
	return &fixture{ms: ms, mgr: mgr, metrics: m, clock: clock}
}

// answerAll answers every remaining case, correctly when correct is true.
func (f *fixture) answerAll(t *testing.T, id string, correct func(i int) bool) {
	t.Helper()
	for i := 0; ; i++ {
		c, err := f.mgr.GetCurrentCase(id)
		require.NoError(t, err)
		if c == nil {
			return
		}
		ans := expected(c)
		if !correct(i) {
			ans = wrong(c)
		}
		_, err = f.mgr.SubmitAnswer(context.Background(), id, ans)
		require.NoError(t, err)
	}
}

func always(int) bool { return true }

func TestStartSession(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()

	id, err := f.mgr.StartSession(ctx, "age", 5, schema.StrategyRandom)
	require.NoError(t, err)

	s, err := f.mgr.Session(id)
	require.NoError(t, err)
	assert.Equal(t, "age", s.WorkflowID)
	assert.Equal(t, schema.SessionInProgress, s.Status)
	assert.Len(t, s.Cases, 5)
	assert.Equal(t, 0, s.CurrentIndex)

	_, err = f.mgr.StartSession(ctx, "ghost", 5, schema.StrategyRandom)
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowNotFound))

	_, err = f.mgr.StartSession(ctx, "age", 5, "exhaustive")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	id, err = f.mgr.StartSession(ctx, "age", 0, schema.StrategyBoundary)
	require.NoError(t, err)
	s, _ = f.mgr.Session(id)
	assert.Len(t, s.Cases, 5, "0, 120, 17, 18, 19")

	assert.Equal(t, 2.0, metricValue(t, f.metrics, "verdict_active_sessions", nil))
	assert.Equal(t, 5.0, metricValue(t, f.metrics, "verdict_cases_generated_total", map[string]string{"strategy": "boundary"}))
}

// metricValue reads one gauge or counter sample from the registry.
func metricValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, sample := range mf.GetMetric() {
			for _, lp := range sample.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if g := sample.GetGauge(); g != nil {
				return g.GetValue()
			}
			return sample.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestSubmitAnswer(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, err := f.mgr.StartSession(ctx, "age", 3, schema.StrategyRandom)
	require.NoError(t, err)

	c, err := f.mgr.GetCurrentCase(id)
	require.NoError(t, err)
	require.NotNil(t, c)

	ans, err := f.mgr.SubmitAnswer(ctx, id, "  "+expected(c)+" ")
	require.NoError(t, err)
	assert.Equal(t, c.ID, ans.CaseID)
	assert.True(t, ans.Matched, "trimmed and case-insensitive")
	assert.Contains(t, []string{"Adult", "Minor"}, ans.WorkflowOutput)

	next, err := f.mgr.GetCurrentCase(id)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, next.ID)

	ans, err = f.mgr.SubmitAnswer(ctx, id, wrong(next))
	require.NoError(t, err)
	assert.False(t, ans.Matched)

	score, err := f.mgr.GetScore(id)
	require.NoError(t, err)
	assert.Equal(t, schema.ValidationScore{Matches: 1, Total: 2}, score)

	_, err = f.mgr.SubmitAnswer(ctx, "nope", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeSessionNotFound))
}

func TestSubmitAnswer_ExhaustedAndTerminal(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 1, schema.StrategyRandom)
	f.answerAll(t, id, always)

	c, err := f.mgr.GetCurrentCase(id)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = f.mgr.SubmitAnswer(ctx, id, "Adult")
	assert.True(t, schema.IsCode(err, schema.ErrCodeSessionCompleted))

	id, _ = f.mgr.StartSession(ctx, "age", 3, schema.StrategyRandom)
	require.NoError(t, f.mgr.AbandonSession(ctx, id))
	_, err = f.mgr.SubmitAnswer(ctx, id, "Adult")
	assert.True(t, schema.IsCode(err, schema.ErrCodeSessionCompleted))
	c, err = f.mgr.GetCurrentCase(id)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSubmitAnswer_ExecutionErrorComparedAsString(t *testing.T) {
	wf, err := schema.NewWorkflow("dead", schema.Metadata{Name: "dead"},
		[]schema.Block{
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in"}, Name: "flag", ValueKind: schema.ValueBool, Required: true},
			&schema.DecisionBlock{BlockBase: schema.BlockBase{ID: "d"}, Condition: "flag"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "yes"}, Value: "Yes"},
		},
		[]schema.Connection{
			{FromBlock: "in", ToBlock: "d"},
			{FromBlock: "d", FromPort: schema.PortTrue, ToBlock: "yes"},
		})
	require.NoError(t, err)

	f := newFixture(t, wf)
	ctx := context.Background()
	id, err := f.mgr.StartSession(ctx, "dead", 0, schema.StrategyBoundary)
	require.NoError(t, err)

	// Boundary cases are flag=true then flag=false.
	ans, err := f.mgr.SubmitAnswer(ctx, id, "yes")
	require.NoError(t, err)
	assert.True(t, ans.Matched)

	ans, err = f.mgr.SubmitAnswer(ctx, id, "Yes")
	require.NoError(t, err)
	assert.False(t, ans.Matched)
	assert.Equal(t, `ERROR: block "d" has no outgoing connection for port "false"`, ans.WorkflowOutput)
}

func TestSkipCase(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)

	ok, err := f.mgr.SkipCase(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	f.answerAll(t, id, always)
	ok, err = f.mgr.SkipCase(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	s, _ := f.mgr.Session(id)
	assert.Equal(t, 1, s.Skipped)
	assert.Len(t, s.Answers, 1)

	score, _ := f.mgr.GetScore(id)
	assert.Equal(t, 1, score.Total)

	_, err = f.mgr.SkipCase(ctx, "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeSessionNotFound))
}

func TestCompleteSession_Accumulates(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()

	id, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)
	f.answerAll(t, id, always)
	merged, err := f.mgr.CompleteSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ValidationScore{Matches: 2, Total: 2}, merged)

	wf, err := f.ms.GetWorkflow(ctx, "age")
	require.NoError(t, err)
	assert.Equal(t, 100.0, wf.Metadata.ValidationScore)
	assert.Equal(t, 2, wf.Metadata.ValidationCount)

	id2, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)
	f.answerAll(t, id2, func(i int) bool { return i == 0 })
	merged, err = f.mgr.CompleteSession(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, schema.ValidationScore{Matches: 3, Total: 4}, merged)

	wf, _ = f.ms.GetWorkflow(ctx, "age")
	assert.Equal(t, 75.0, wf.Metadata.ValidationScore)
	assert.Equal(t, 4, wf.Metadata.ValidationCount)
	assert.Equal(t, 75.0, metricValue(t, f.metrics, "verdict_workflow_validation_score", map[string]string{"workflow_id": "age"}))
	assert.Equal(t, 2.0, metricValue(t, f.metrics, "verdict_sessions_total", map[string]string{"status": "completed"}))
}

func TestCompleteSession_Idempotent(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)
	f.answerAll(t, id, always)

	first, err := f.mgr.CompleteSession(ctx, id)
	require.NoError(t, err)
	again, err := f.mgr.CompleteSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	wf, _ := f.ms.GetWorkflow(ctx, "age")
	assert.Equal(t, 2, wf.Metadata.ValidationCount, "second call does not merge again")

	s, _ := f.mgr.Session(id)
	assert.Equal(t, schema.SessionCompleted, s.Status)
}

func TestCompleteSession_EarlyCompletionCountsOnlyAnswered(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 10, schema.StrategyRandom)
	c, _ := f.mgr.GetCurrentCase(id)
	_, err := f.mgr.SubmitAnswer(ctx, id, expected(c))
	require.NoError(t, err)

	merged, err := f.mgr.CompleteSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ValidationScore{Matches: 1, Total: 1}, merged)
}

func TestCompleteSession_AfterAbandonFails(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)
	f.answerAll(t, id, always)
	require.NoError(t, f.mgr.AbandonSession(ctx, id))

	_, err := f.mgr.CompleteSession(ctx, id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	wf, _ := f.ms.GetWorkflow(ctx, "age")
	assert.Equal(t, 0, wf.Metadata.ValidationCount, "abandoning never touches stats")

	err = f.mgr.AbandonSession(ctx, id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

// flakyRepo fails UpdateValidation a fixed number of times.
type flakyRepo struct {
	store.Repository
	failures atomic.Int32
}

func (r *flakyRepo) UpdateValidation(ctx context.Context, id string, score float64, count int) (bool, error) {
	if r.failures.Add(-1) >= 0 {
		return false, errors.New("disk full")
	}
	return r.Repository.UpdateValidation(ctx, id, score, count)
}

func TestCompleteSession_FailedWriteIsRetryable(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateWorkflow(context.Background(), ageWorkflow(t, "age")))
	repo := &flakyRepo{Repository: ms}
	repo.failures.Store(1)
	f := newFixtureWithRepo(t, ms, repo)
	ctx := context.Background()

	id, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)
	f.answerAll(t, id, always)

	_, err := f.mgr.CompleteSession(ctx, id)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	s, _ := f.mgr.Session(id)
	assert.Equal(t, schema.SessionInProgress, s.Status)

	merged, err := f.mgr.CompleteSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, merged.Total)
}

func TestCompleteSession_WorkflowDeleted(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 1, schema.StrategyRandom)
	require.NoError(t, f.ms.DeleteWorkflow(ctx, "age"))

	_, err := f.mgr.CompleteSession(ctx, id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowNotFound))
}

func TestSessionEventsReplay(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()
	id, _ := f.mgr.StartSession(ctx, "age", 3, schema.StrategyRandom)

	_, err := f.mgr.SkipCase(ctx, id)
	require.NoError(t, err)
	f.answerAll(t, id, func(i int) bool { return i == 1 })
	_, err = f.mgr.CompleteSession(ctx, id)
	require.NoError(t, err)

	h, err := store.NewEventLog(f.ms).ReplaySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "age", h.WorkflowID)
	assert.Equal(t, string(schema.SessionCompleted), h.Status)
	assert.Equal(t, string(schema.StrategyRandom), h.Strategy)
	assert.Equal(t, 3, h.CaseCount)
	assert.Equal(t, 1, h.Skipped)
	assert.Equal(t, 2, h.Answered)
	assert.Equal(t, 1, h.Matches)
	require.NotNil(t, h.EndedAt)
}

func TestAbandonIdleAndPurge(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()

	stale, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)
	f.clock.Advance(time.Hour)
	fresh, _ := f.mgr.StartSession(ctx, "age", 2, schema.StrategyRandom)

	n, err := f.mgr.AbandonIdle(ctx, f.clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, _ := f.mgr.Session(stale)
	assert.Equal(t, schema.SessionAbandoned, s.Status)
	s, _ = f.mgr.Session(fresh)
	assert.Equal(t, schema.SessionInProgress, s.Status)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.mgr.PurgeFinished(f.clock.Now().Add(-30*time.Minute)))
	_, err = f.mgr.Session(stale)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSessionNotFound))
	assert.Equal(t, 1, f.mgr.Table().Len())
}

func TestCompositeScore(t *testing.T) {
	child := ageWorkflow(t, "child")
	parent, err := schema.NewWorkflow("parent", schema.Metadata{Name: "parent"},
		[]schema.Block{
			&schema.InputBlock{BlockBase: schema.BlockBase{ID: "in"}, Name: "years", ValueKind: schema.ValueInt, Required: true},
			&schema.WorkflowRefBlock{BlockBase: schema.BlockBase{ID: "r1"}, RefID: "child", InputMapping: map[string]string{"age": "years"}},
			&schema.WorkflowRefBlock{BlockBase: schema.BlockBase{ID: "r2"}, RefID: "child", InputMapping: map[string]string{"age": "years"}, OutputName: "again"},
			&schema.OutputBlock{BlockBase: schema.BlockBase{ID: "o"}, Value: "done"},
		},
		[]schema.Connection{
			{FromBlock: "in", ToBlock: "r1"},
			{FromBlock: "r1", ToBlock: "r2"},
			{FromBlock: "r2", ToBlock: "o"},
		})
	require.NoError(t, err)

	f := newFixture(t, child, parent)
	ctx := context.Background()
	_, err = f.ms.UpdateValidation(ctx, "parent", 100, 10)
	require.NoError(t, err)
	_, err = f.ms.UpdateValidation(ctx, "child", 50, 10)
	require.NoError(t, err)

	score, err := f.mgr.CompositeScore(ctx, "parent", 0.5)
	require.NoError(t, err)
	// The child is counted once: rate 0.5*1.0 + 0.5*0.5 over 20 cases.
	assert.Equal(t, schema.ValidationScore{Matches: 15, Total: 20}, score)

	_, err = f.mgr.CompositeScore(ctx, "ghost", 0.5)
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowNotFound))
}

func TestConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, ageWorkflow(t, "age"))
	ctx := context.Background()

	const cases = 10
	shared, _ := f.mgr.StartSession(ctx, "age", cases, schema.StrategyRandom)

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := range 2 * cases {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.SubmitAnswer(ctx, shared, fmt.Sprint("answer ", i))
			switch {
			case err == nil:
				ok.Add(1)
			case schema.IsCode(err, schema.ErrCodeSessionCompleted):
				rejected.Add(1)
			}
		}()
	}
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.mgr.StartSession(ctx, "age", 3, schema.StrategyRandom)
			if err != nil {
				return
			}
			f.answerAllQuietly(ctx, id)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(cases), ok.Load())
	assert.Equal(t, int32(cases), rejected.Load())
	s, _ := f.mgr.Session(shared)
	assert.Len(t, s.Answers, cases)
	assert.Equal(t, cases, s.CurrentIndex)
}

func (f *fixture) answerAllQuietly(ctx context.Context, id string) {
	for {
		c, err := f.mgr.GetCurrentCase(id)
		if err != nil || c == nil {
			return
		}
		if _, err := f.mgr.SubmitAnswer(ctx, id, expected(c)); err != nil {
			return
		}
	}
}
