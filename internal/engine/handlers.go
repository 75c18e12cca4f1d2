package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/internal/variables"
	"github.com/rendis/flowchat/pkg/schema"
)

// dispatch executes one node. Every variant has a case; adding a variant
// without one falls into the default and fails the node.
func (e *Engine) dispatch(ctx context.Context, ec *ExecutionContext, v nodeVariant) (*NodeResult, error) {
	switch n := v.(type) {
	case *startNode, *endNode, *basicBranchNode:
		return &NodeResult{}, nil
	case *llmCallNode:
		return e.execLLMCall(ctx, ec, n)
	case *llmAssignNode:
		return e.execLLMAssign(ctx, ec, n)
	case *llmBranchNode:
		return e.execLLMBranch(ctx, ec, n)
	case *assignNode:
		return e.execAssign(ctx, ec, n), nil
	case *userInputNode:
		return e.awaitInput(ctx, ec, n)
	case *infoOutputNode:
		return e.execInfoOutput(ctx, ec, n), nil
	case *brokenNode:
		return nil, n.err
	default:
		node := v.spec()
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig, "no handler for node type %q", node.Type).WithNode(node.Key)
	}
}

func (e *Engine) execLLMCall(ctx context.Context, ec *ExecutionContext, n *llmCallNode) (*NodeResult, error) {
	cfg := n.cfg
	vars := ec.Vars.Snapshot()
	system := expressions.Render(cfg.SystemPrompt, vars)
	user := expressions.Render(cfg.UserPrompt, vars)

	resp, err := e.complete(ctx, system, buildMessages(ec, cfg.UseHistory, cfg.HistoryKey, cfg.ChatNickname, user), cfg.Plugins)
	if err != nil {
		return nil, err
	}
	if cfg.ResponseFilter != "" {
		if resp, err = e.jq.FilterText(ctx, cfg.ResponseFilter, resp); err != nil {
			return nil, err
		}
	}

	res := &NodeResult{}
	res.set(cfg.OutputVar, resp)

	if cfg.SaveToHistory {
		ec.History.Append(cfg.SaveHistoryKey, cfg.ChatNickname, resp)
	}
	if cfg.EnableChatOutput {
		e.sendMessage(ctx, ec.InstanceID, schema.RoleAssistant, resp, cfg.ChatNickname)
	}
	return res, nil
}

func (e *Engine) execLLMAssign(ctx context.Context, ec *ExecutionContext, n *llmAssignNode) (*NodeResult, error) {
	cfg := n.cfg
	vars := ec.Vars.Snapshot()
	system := assignSystemPrompt(cfg.AssignVariables, expressions.Render(cfg.SystemPrompt, vars))
	user := expressions.Render(cfg.UserPrompt, vars)

	resp, err := e.complete(ctx, system, buildMessages(ec, cfg.UseHistory, cfg.HistoryKey, cfg.ChatNickname, user), nil)
	if err != nil {
		return nil, err
	}
	if cfg.ResponseFilter != "" {
		if resp, err = e.jq.FilterText(ctx, cfg.ResponseFilter, resp); err != nil {
			return nil, err
		}
	}

	obj, err := extractJSONObject(resp)
	if err != nil {
		return nil, err
	}

	// Only targets present with a non-null value change; the rest keep
	// their prior value.
	res := &NodeResult{}
	for _, target := range cfg.AssignVariables {
		raw, ok := obj[target.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := variables.Convert(target.Type, raw)
		if err != nil {
			return nil, err
		}
		res.set(target.Name, v)
	}
	return res, nil
}

func (e *Engine) execLLMBranch(ctx context.Context, ec *ExecutionContext, n *llmBranchNode) (*NodeResult, error) {
	cfg := n.cfg
	user := expressions.Render(cfg.UserPrompt, ec.Vars.Snapshot())

	resp, err := e.complete(ctx, branchSystemPrompt(cfg), buildMessages(ec, cfg.UseHistory, cfg.HistoryKey, cfg.ChatNickname, user), nil)
	if err != nil {
		return nil, err
	}
	obj, err := extractJSONObject(resp)
	if err != nil {
		return nil, err
	}

	selected, _ := obj["selectedBranch"].(string)
	selected = strings.TrimSpace(selected)
	if !cfg.HasBranch(selected) {
		if cfg.DefaultBranch == "" || !cfg.HasBranch(cfg.DefaultBranch) {
			return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
				"selected branch %q is not one of the configured branches", selected)
		}
		logging.LogWith(ctx, e.logger).Warn("model selected an unknown branch, using default",
			slog.String("selected", selected),
			slog.String("default", cfg.DefaultBranch))
		selected = cfg.DefaultBranch
	}
	return &NodeResult{SelectedBranch: selected}, nil
}

// execAssign runs each statement in order against the live store, so later
// statements see earlier results. A failing statement is logged and skipped.
func (e *Engine) execAssign(ctx context.Context, ec *ExecutionContext, n *assignNode) *NodeResult {
	res := &NodeResult{}
	for i, a := range n.cfg.Assignments {
		if a.Blank() {
			continue
		}
		name := strings.TrimSpace(a.VariableName)
		v, err := ec.Vars.Assign(name, a.ValueExpression)
		if err != nil {
			logging.LogWith(ctx, e.logger).Warn("assignment failed, skipped",
				slog.Int("index", i),
				slog.String("variable", name),
				slog.String("expression", a.ValueExpression),
				slog.String("error", err.Error()))
			continue
		}
		res.set(name, v)
	}
	return res
}

func (e *Engine) execInfoOutput(ctx context.Context, ec *ExecutionContext, n *infoOutputNode) *NodeResult {
	cfg := n.cfg
	prompt := expressions.Render(cfg.Prompt, ec.Vars.Snapshot())
	if strings.TrimSpace(prompt) == "" {
		return &NodeResult{}
	}
	e.sendMessage(ctx, ec.InstanceID, schema.RoleAssistant, prompt, cfg.HistoryNickname)
	if cfg.SaveToHistory {
		ec.History.Append(cfg.HistoryKey, cfg.HistoryNickname, "【"+cfg.HistoryNickname+"】说："+prompt)
	}
	return &NodeResult{}
}

// awaitInput is the first half of a user_input node: prompt the user,
// persist the wait and register the continuation. The run loop then parks
// the run and releases the worker; acceptInput is the second half.
func (e *Engine) awaitInput(ctx context.Context, ec *ExecutionContext, n *userInputNode) (*NodeResult, error) {
	prompt := expressions.Render(n.cfg.Prompt, ec.Vars.Snapshot())
	if strings.TrimSpace(prompt) != "" {
		e.sendMessage(ctx, ec.InstanceID, schema.RoleAssistant, prompt, schema.SystemSenderNickname)
	}

	now := e.now()
	wait := schema.PendingWait{
		InstanceID: ec.InstanceID,
		NodeKey:    n.node.Key,
		Ticket:     uuid.NewString(),
		Deadline:   now.Add(e.cfg.InputTimeout),
		CreatedAt:  now,
	}
	if err := e.store.PutWait(ctx, &wait); err != nil {
		return nil, err
	}
	e.waits.register(&pendingInput{ec: ec, node: n, wait: wait})
	return &NodeResult{Suspend: true}, nil
}

// acceptInput stores submitted text and optionally records it in history.
func (e *Engine) acceptInput(ec *ExecutionContext, n *userInputNode, text string) *NodeResult {
	cfg := n.cfg
	res := &NodeResult{}
	res.set(cfg.OutputVar, text)
	if *cfg.SaveToHistory {
		ec.History.Append(cfg.SaveHistoryKey, cfg.HistoryNickname, text)
	}
	return res
}

// sendMessage pushes a chat message. Transport failures never fail a node.
func (e *Engine) sendMessage(ctx context.Context, instanceID int64, role, content, nickname string) {
	if err := e.transport.SendMessage(ctx, instanceID, role, content, nickname); err != nil {
		logging.LogWith(ctx, e.logger).Warn("chat message not delivered",
			slog.String("nickname", nickname), slog.String("error", err.Error()))
	}
}
