package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/verdict/internal/diagram"
	"github.com/rendis/verdict/internal/session"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/pkg/schema"
)

// handleDefine validates a workflow document and stores it.
func (s *VerdictServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	wf, result, errRes := s.decodeWorkflow(ctx, raw)
	if errRes != nil {
		return errRes, nil
	}
	if !result.Valid() {
		return validationFailure(result), nil
	}

	var storeErr error
	if req.GetBool("replace", false) {
		storeErr = s.store.SaveWorkflow(ctx, wf)
	} else {
		storeErr = s.store.CreateWorkflow(ctx, wf)
	}
	if storeErr != nil {
		return errorResult("failed to store workflow", storeErr), nil
	}

	return marshalResult(map[string]any{
		"id":       wf.ID,
		"warnings": result.Warnings,
	})
}

// handleExecute runs a stored workflow.
func (s *VerdictServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errRes := s.requireWorkflow(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", map[string]any{})

	result := s.executor.Execute(ctx, wf, inputs)
	return s.project(ctx, req, result)
}

// handleTrace runs a stored workflow and returns its step record.
func (s *VerdictServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errRes := s.requireWorkflow(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", map[string]any{})

	trace := s.executor.Trace(ctx, wf, inputs)
	return s.project(ctx, req, trace)
}

// handleValidate checks a stored workflow or an inline document.
func (s *VerdictServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if raw := mcp.ParseStringMap(req, "workflow", nil); raw != nil {
		_, result, errRes := s.decodeWorkflow(ctx, raw)
		if errRes != nil {
			return errRes, nil
		}
		return marshalResult(validationView(result))
	}

	id := req.GetString("workflow_id", "")
	if id == "" {
		return mcp.NewToolResultError("one of workflow_id or workflow is required"), nil
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return workflowLookupError(id, err), nil
	}
	return marshalResult(validationView(s.validator.Validate(ctx, wf)))
}

// handleGenerate produces test inputs without opening a session.
func (s *VerdictServer) handleGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errRes := s.requireWorkflow(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	strategy := schema.CaseStrategy(req.GetString("strategy", string(schema.StrategyRandom)))
	count := req.GetInt("count", 0)

	cases, err := s.generator.ForStrategy(wf, strategy, count)
	if err != nil {
		return errorResult("case generation failed", err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"strategy":    strategy,
		"cases":       cases,
	})
}

// handleSession dispatches validation session actions.
func (s *VerdictServer) handleSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "start":
		return s.sessionStart(ctx, req)
	case "composite":
		wfID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError("workflow_id is required"), nil
		}
		weight := req.GetFloat("weight", session.DefaultCompositeWeight)
		score, err := s.sessions.CompositeScore(ctx, wfID, weight)
		if err != nil {
			return errorResult("composite score failed", err), nil
		}
		return marshalResult(scoreView(score))
	}

	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	switch action {
	case "current":
		return s.currentCase(id, nil)

	case "submit":
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcp.NewToolResultError("answer is required"), nil
		}
		recorded, err := s.sessions.SubmitAnswer(ctx, id, answer)
		if err != nil {
			return errorResult("submit failed", err), nil
		}
		return s.currentCase(id, map[string]any{"answer": recorded})

	case "skip":
		skipped, err := s.sessions.SkipCase(ctx, id)
		if err != nil {
			return errorResult("skip failed", err), nil
		}
		return s.currentCase(id, map[string]any{"skipped": skipped})

	case "score":
		score, err := s.sessions.GetScore(id)
		if err != nil {
			return errorResult("score failed", err), nil
		}
		return marshalResult(scoreView(score))

	case "complete":
		sess, err := s.sessions.Session(id)
		if err != nil {
			return errorResult("complete failed", err), nil
		}
		merged, err := s.sessions.CompleteSession(ctx, id)
		if err != nil {
			return errorResult("complete failed", err), nil
		}
		return marshalResult(map[string]any{
			"session_id":  id,
			"workflow_id": sess.WorkflowID,
			"session":     scoreView(sess.Score()),
			"workflow":    scoreView(merged),
		})

	case "abandon":
		if err := s.sessions.AbandonSession(ctx, id); err != nil {
			return errorResult("abandon failed", err), nil
		}
		return marshalResult(map[string]any{"session_id": id, "status": schema.SessionAbandoned})

	case "get":
		sess, err := s.sessions.Session(id)
		if err != nil {
			return errorResult("session lookup failed", err), nil
		}
		return marshalResult(sess)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown session action: %s", action)), nil
	}
}

func (s *VerdictServer) sessionStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	strategy := schema.CaseStrategy(req.GetString("strategy", ""))
	count := req.GetInt("count", 0)

	id, err := s.sessions.StartSession(ctx, wfID, count, strategy)
	if err != nil {
		return errorResult("session start failed", err), nil
	}
	s.captureClient(ctx, id)

	sess, err := s.sessions.Session(id)
	if err != nil {
		return errorResult("session lookup failed", err), nil
	}
	return s.currentCase(id, map[string]any{
		"workflow_id": wfID,
		"strategy":    sess.Strategy,
		"case_count":  len(sess.Cases),
	})
}

// currentCase answers with the session's progress and next case, merged
// with extra fields.
func (s *VerdictServer) currentCase(id string, extra map[string]any) (*mcp.CallToolResult, error) {
	c, err := s.sessions.GetCurrentCase(id)
	if err != nil {
		return errorResult("session lookup failed", err), nil
	}
	sess, err := s.sessions.Session(id)
	if err != nil {
		return errorResult("session lookup failed", err), nil
	}
	out := map[string]any{
		"session_id": id,
		"status":     sess.Status,
		"position":   sess.CurrentIndex,
		"remaining":  len(sess.Cases) - sess.CurrentIndex,
		"done":       c == nil,
	}
	if c != nil {
		out["case"] = c
	}
	for k, v := range extra {
		out[k] = v
	}
	return marshalResult(out)
}

// handleQuery lists workflows, events, sessions, or a replayed session history.
func (s *VerdictServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	var out any
	switch resource {
	case "workflows":
		out, err = s.queryWorkflows(ctx, filter)
	case "events":
		out, err = s.queryEvents(ctx, filter)
	case "sessions":
		out = s.querySessions(filter)
	case "history":
		sid, _ := filter["session_id"].(string)
		if sid == "" {
			return mcp.NewToolResultError("history query requires 'session_id' in filter"), nil
		}
		out, err = store.NewEventLog(s.store).ReplaySession(ctx, sid)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if err != nil {
		return errorResult("query failed", err), nil
	}
	return s.project(ctx, req, out)
}

// --- Query helpers ---

func (s *VerdictServer) queryWorkflows(ctx context.Context, filter map[string]any) (any, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if domain, ok := filter["domain"].(string); ok {
		wf.Domain = domain
	}
	if tag, ok := filter["tag"].(string); ok {
		wf.Tag = tag
	}
	if v, ok := filter["validated_only"].(bool); ok {
		wf.ValidatedOnly = v
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]any, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, map[string]any{
			"id":               w.ID,
			"name":             w.Metadata.Name,
			"domain":           w.Metadata.Domain,
			"tags":             w.Metadata.Tags,
			"validation_score": w.Metadata.ValidationScore,
			"validation_count": w.Metadata.ValidationCount,
			"confidence":       w.Metadata.Confidence(),
			"validated":        w.Metadata.IsValidated(),
			"blocks":           len(w.Blocks),
		})
	}
	return map[string]any{"workflows": summaries}, nil
}

func (s *VerdictServer) queryEvents(ctx context.Context, filter map[string]any) (any, error) {
	if sid, ok := filter["session_id"].(string); ok && sid != "" {
		events, err := s.store.GetEvents(ctx, sid, int64(extractInt(filter, "since_seq", 0)))
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": events}, nil
	}

	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.Type = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}
	events, err := s.store.ListEvents(ctx, ef)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (s *VerdictServer) querySessions(filter map[string]any) any {
	wfID, _ := filter["workflow_id"].(string)
	status, _ := filter["status"].(string)
	out := make([]map[string]any, 0)
	for _, sess := range s.sessions.Table().List() {
		if wfID != "" && sess.WorkflowID != wfID {
			continue
		}
		if status != "" && string(sess.Status) != status {
			continue
		}
		out = append(out, map[string]any{
			"session_id":  sess.ID,
			"workflow_id": sess.WorkflowID,
			"status":      sess.Status,
			"strategy":    sess.Strategy,
			"cases":       len(sess.Cases),
			"position":    sess.CurrentIndex,
			"score":       scoreView(sess.Score()),
			"started_at":  sess.StartedAt,
			"updated_at":  sess.UpdatedAt,
		})
	}
	return map[string]any{"sessions": out}
}

// handleDiagram renders a workflow, optionally with the path for some inputs.
func (s *VerdictServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "png", "svg":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, png, or svg"), nil
	}
	wf, errRes := s.requireWorkflow(ctx, req)
	if errRes != nil {
		return errRes, nil
	}

	var opts []diagram.BuildOption
	if req.GetBool("expand", false) {
		opts = append(opts, diagram.WithChildren(s.store))
	}
	if inputs := mcp.ParseStringMap(req, "inputs", nil); inputs != nil {
		opts = append(opts, diagram.WithTrace(s.executor.Trace(ctx, wf, inputs)))
	}

	model, buildErr := diagram.Build(ctx, wf, opts...)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// requireWorkflow loads the workflow named by the workflow_id argument.
func (s *VerdictServer) requireWorkflow(ctx context.Context, req mcp.CallToolRequest) (*schema.Workflow, *mcp.CallToolResult) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return nil, mcp.NewToolResultError("workflow_id is required")
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, workflowLookupError(id, err)
	}
	return wf, nil
}

// decodeWorkflow checks and decodes an inline workflow document.
func (s *VerdictServer) decodeWorkflow(ctx context.Context, raw map[string]any) (*schema.Workflow, *schema.ValidationResult, *mcp.CallToolResult) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
	}
	wf, result := s.validator.ParseDocument(ctx, data)
	if wf == nil {
		return nil, nil, validationFailure(result)
	}
	return wf, result, nil
}

// project marshals v, applying the optional jq argument first.
func (s *VerdictServer) project(ctx context.Context, req mcp.CallToolRequest, v any) (*mcp.CallToolResult, error) {
	expr := req.GetString("jq", "")
	if expr == "" {
		return marshalResult(v)
	}
	out, err := s.jq.Apply(ctx, expr, v)
	if err != nil {
		return errorResult("jq failed", err), nil
	}
	return marshalResult(out)
}

// captureClient remembers which MCP client opened a validation session.
func (s *VerdictServer) captureClient(ctx context.Context, sessionID string) {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		s.clients.Register(sessionID, cs.SessionID())
	}
}

func validationView(result *schema.ValidationResult) map[string]any {
	return map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
}

func validationFailure(result *schema.ValidationResult) *mcp.CallToolResult {
	data, err := json.Marshal(validationView(result))
	if err != nil {
		return mcp.NewToolResultError("workflow is invalid")
	}
	return mcp.NewToolResultError(string(data))
}

func scoreView(score schema.ValidationScore) map[string]any {
	return map[string]any{
		"matches":    score.Matches,
		"total":      score.Total,
		"score":      score.Score(),
		"confidence": score.Confidence(),
		"validated":  score.IsValidated(),
	}
}

func workflowLookupError(id string, err error) *mcp.CallToolResult {
	if schema.IsNotFound(err) {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] workflow %q not found", schema.ErrCodeWorkflowNotFound, id))
	}
	return errorResult("workflow lookup failed", err)
}

// errorResult renders err with its code so clients can branch on it.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
