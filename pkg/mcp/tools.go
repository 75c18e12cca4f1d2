package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowchat/internal/diagram"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/pkg/schema"
)

// defineResult is returned by flowchat.define.
type defineResult struct {
	ID       int64                    `json:"id"`
	Name     string                   `json:"name"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// instanceView adds live wait state to a stored instance.
type instanceView struct {
	*schema.RunInstance
	AwaitingInput bool `json:"awaitingInput"`
}

// handleDefine validates and registers a workflow definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw []byte
	if doc := req.GetString("document", ""); doc != "" {
		raw = []byte(doc)
	} else if obj, ok := req.GetArguments()["definition"]; ok && obj != nil {
		data, err := json.Marshal(obj)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		raw = data
	} else {
		return mcp.NewToolResultError("one of definition or document is required"), nil
	}

	def, result, err := s.engine.DefineWorkflow(ctx, raw)
	if err != nil {
		if result != nil && !result.Valid() {
			return mcp.NewToolResultError(formatValidation(result)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", err)), nil
	}

	out := defineResult{ID: def.ID, Name: def.Name}
	if result != nil {
		out.Warnings = result.Warnings
	}
	return marshalResult(out)
}

// handleRun starts a run and binds it to the calling session so its chat
// events are forwarded as notifications.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireInt("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)

	inst, runErr := s.engine.StartRun(ctx, int64(defID), params)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	s.captureSession(ctx, inst.ID)

	return marshalResult(instanceView{RunInstance: inst, AwaitingInput: s.engine.Waiting(inst.ID)})
}

// handleSubmitInput delivers a user message to a waiting run.
func (s *Server) handleSubmitInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireInt("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required"), nil
	}

	s.captureSession(ctx, int64(instanceID))
	if !s.engine.SubmitUserInput(ctx, int64(instanceID), content) {
		return mcp.NewToolResultError(fmt.Sprintf("instance %d is not waiting for input", instanceID)), nil
	}
	return marshalResult(schema.InputAck{Type: schema.FrameUserInput, Accepted: true})
}

// handleStatus returns the current state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireInt("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, getErr := s.engine.GetInstance(ctx, int64(instanceID))
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	return s.filtered(ctx, req, instanceView{RunInstance: inst, AwaitingInput: s.engine.Waiting(inst.ID)})
}

// handleLogs returns the execution log of a run.
func (s *Server) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireInt("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	logs, logErr := s.engine.ListExecutionLogs(ctx, int64(instanceID))
	if logErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", logErr)), nil
	}
	if logs == nil {
		logs = []*schema.ExecutionLogEntry{}
	}
	return s.filtered(ctx, req, logs)
}

// handleList lists definitions or runs.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	criteria := mcp.ParseStringMap(req, "criteria", nil)

	switch resource {
	case "definitions":
		return s.listDefinitions(ctx, req, criteria)
	case "instances":
		return s.listInstances(ctx, req, criteria)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s (valid: definitions, instances)", resource)), nil
	}
}

func (s *Server) listDefinitions(ctx context.Context, req mcp.CallToolRequest, criteria map[string]any) (*mcp.CallToolResult, error) {
	filter := store.DefinitionFilter{
		Limit:  extractInt(criteria, "limit", 50),
		Offset: extractInt(criteria, "offset", 0),
	}
	if name, ok := criteria["name"].(string); ok {
		filter.Name = name
	}

	defs, err := s.engine.ListDefinitions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if defs == nil {
		defs = []*schema.Definition{}
	}
	return s.filtered(ctx, req, defs)
}

func (s *Server) listInstances(ctx context.Context, req mcp.CallToolRequest, criteria map[string]any) (*mcp.CallToolResult, error) {
	filter := store.InstanceFilter{
		DefinitionID: int64(extractInt(criteria, "definition_id", 0)),
		Limit:        extractInt(criteria, "limit", 50),
		Offset:       extractInt(criteria, "offset", 0),
	}
	if st, ok := criteria["status"].(string); ok && st != "" {
		status := schema.RunStatus(strings.ToLower(st))
		filter.Status = &status
	}
	if since, ok := criteria["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", err)), nil
		}
		filter.Since = &t
	}

	insts, err := s.engine.ListInstances(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if insts == nil {
		insts = []*schema.RunInstance{}
	}
	return s.filtered(ctx, req, insts)
}

// handleDiagram renders a definition, or a run with its path highlighted.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	defID := req.GetInt("definition_id", 0)
	instanceID := req.GetInt("instance_id", 0)
	if defID == 0 && instanceID == 0 {
		return mcp.NewToolResultError("at least one of definition_id or instance_id is required"), nil
	}

	var run *diagram.Run
	if instanceID != 0 {
		inst, err := s.engine.GetInstance(ctx, int64(instanceID))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", err)), nil
		}
		// Overlay is best-effort; a missing log still yields the plain graph.
		logs, _ := s.engine.ListExecutionLogs(ctx, inst.ID)
		run = &diagram.Run{Instance: inst, Logs: logs}
		defID = int(inst.DefinitionID)
	}

	def, err := s.engine.GetDefinition(ctx, int64(defID))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition not found: %v", err)), nil
	}

	model, buildErr := diagram.Build(def, run)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// --- Helpers ---

// filtered applies the optional jq filter argument before marshaling.
func (s *Server) filtered(ctx context.Context, req mcp.CallToolRequest, v any) (*mcp.CallToolResult, error) {
	expr := req.GetString("filter", "")
	if expr == "" {
		return marshalResult(v)
	}
	out, err := s.jq.QueryValue(ctx, expr, v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("filter failed: %v", err)), nil
	}
	return marshalResult(out)
}

func formatValidation(result *schema.ValidationResult) string {
	return "definition is invalid:\n" + result.Summary()
}

// extractInt reads an integer from a criteria map, accepting JSON numbers
// and numeric strings.
func extractInt(criteria map[string]any, key string, defaultVal int) int {
	if criteria == nil {
		return defaultVal
	}
	v, ok := criteria[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the instance to the caller's MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, instanceID int64) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(instanceID, session.SessionID())
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
