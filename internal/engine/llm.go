package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/pkg/schema"
)

// complete calls the chat completer behind the circuit breaker, retrying
// transient failures per the configured policy. Only transient failures
// count against the breaker; a request the model rejects is the run's own
// problem and must not trip the breaker shared by every run.
func (e *Engine) complete(ctx context.Context, system string, messages []schema.ChatMessage, plugins json.RawMessage) (string, error) {
	if e.completer == nil {
		return "", schema.NewError(schema.ErrCodeCollaborator, "no chat completer configured")
	}

	attempts := max(e.cfg.Retry.MaxAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(e.cfg.Retry, attempt-1)
			logging.LogWith(ctx, e.logger).Warn("retrying chat completion",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if err := WaitForBackoff(ctx, delay); err != nil {
				return "", err
			}
		}
		if err := e.breaker.Allow(); err != nil {
			return "", err
		}

		resp, err := e.completer.Complete(ctx, system, messages, plugins)
		if err == nil {
			e.breaker.RecordSuccess()
			return resp, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
		e.breaker.RecordFailure()
	}

	var fe *schema.FlowError
	if errors.As(lastErr, &fe) {
		return "", lastErr
	}
	return "", schema.NewErrorf(schema.ErrCodeCollaborator, "chat completion failed: %v", lastErr).WithCause(lastErr)
}

// buildMessages assembles the message list of a model call. With history
// the assembled conversation is followed by the user prompt when it is not
// blank, and blank messages are dropped. Without history the user prompt is
// the single turn.
func buildMessages(ec *ExecutionContext, useHistory bool, historyKey, nickname, userPrompt string) []schema.ChatMessage {
	if !useHistory {
		return []schema.ChatMessage{{Role: schema.RoleUser, Content: userPrompt}}
	}
	msgs := ec.History.ToMessages(historyKey, nickname)
	if strings.TrimSpace(userPrompt) != "" {
		msgs = append(msgs, schema.ChatMessage{Role: schema.RoleUser, Content: userPrompt})
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			kept = append(kept, m)
		}
	}
	return kept
}

// assignSystemPrompt instructs the model to answer with a JSON object
// holding values for some or all of targets.
func assignSystemPrompt(targets []schema.AssignTarget, extra string) string {
	var b strings.Builder
	b.WriteString("你是一个专业的AI助手。请根据用户的提示词，输出一个JSON对象，包含以下变量的值：\n\n")
	for _, t := range targets {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Type != "" {
			fmt.Fprintf(&b, " (类型: %s)", t.Type)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n请严格按照以下JSON格式输出，不要包含任何其他文字或说明：\n{\n")
	for i, t := range targets {
		fmt.Fprintf(&b, "  %q: <值>", t.Name)
		if i < len(targets)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n\n")
	b.WriteString("重要说明：\n")
	b.WriteString("1. 变量名必须与上述列表中的名称完全一致（包括中文字符）。\n")
	b.WriteString("2. 如果某个变量没有合适的值，或者用户明确说明只需要赋值其中部分变量，那么你可以在JSON中只包含需要赋值的变量，不需要包含所有变量。\n")
	b.WriteString("3. 对于JSON中未包含的变量，系统将保留其原有值不变。\n")
	b.WriteString("4. 只输出有效的、有意义的变量值，不要为了填满所有变量而输出无意义的值。")
	if strings.TrimSpace(extra) != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

// branchSystemPrompt asks the model to pick one of cfg's branches. The last
// branch is marked as the default.
func branchSystemPrompt(cfg *schema.LLMBranchConfig) string {
	var b strings.Builder
	b.WriteString("你是一个专业的AI助手。请根据用户的提示词，从以下分支中选择一个最合适的分支：\n\n")
	last := len(cfg.Branches) - 1
	for i, br := range cfg.Branches {
		fmt.Fprintf(&b, "%d. %s", i+1, br.Name)
		if i == last {
			b.WriteString(" (默认分支)")
		}
		if br.Description != "" {
			b.WriteString(" - ")
			b.WriteString(br.Description)
		}
		b.WriteString("\n")
	}
	if last >= 0 {
		fmt.Fprintf(&b, "\n注意：最后一个分支（%s）是默认分支。如果以上分支都不合适，将自动使用默认分支。", cfg.Branches[last].Name)
	}
	b.WriteString("\n\n请严格按照以下JSON格式输出你的选择，不要包含任何其他文字或说明：\n")
	b.WriteString("{\n  \"selectedBranch\": \"<分支名称>\"\n}\n\n")
	b.WriteString("重要说明：\n")
	b.WriteString("1. selectedBranch 的值必须是上述分支列表中的某个分支名称（完全一致，包括中文字符）。\n")
	if cfg.DefaultBranch != "" {
		fmt.Fprintf(&b, "2. 如果以上分支都不合适，可以使用默认分支：%s\n", cfg.DefaultBranch)
	}
	b.WriteString("3. 只输出JSON，不要包含任何其他文字。")
	return b.String()
}

// extractJSONObject finds the JSON object in a model response. Candidates,
// in order: the first balanced {...} span, a ```json fenced block, any ```
// fenced block, the whole response. The first candidate that decodes as an
// object wins. Numbers decode as json.Number.
func extractJSONObject(response string) (map[string]any, error) {
	text := strings.TrimSpace(response)
	var candidates []string
	if obj, ok := firstBalancedObject(text); ok {
		candidates = append(candidates, obj)
	}
	if block, ok := fencedBlock(text, "```json"); ok {
		candidates = append(candidates, block)
	}
	if block, ok := fencedBlock(text, "```"); ok {
		candidates = append(candidates, block)
	}
	candidates = append(candidates, text)

	for _, c := range candidates {
		dec := json.NewDecoder(bytes.NewReader([]byte(c)))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err == nil && obj != nil {
			return obj, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
		"model response contains no JSON object: %s", truncate(text, 200))
}

// firstBalancedObject returns the first {...} span whose braces balance,
// ignoring braces inside JSON strings.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// fencedBlock returns the content of the first block opened by fence and
// closed by ```.
func fencedBlock(s, fence string) (string, bool) {
	start := strings.Index(s, fence)
	if start < 0 {
		return "", false
	}
	body := s[start+len(fence):]
	end := strings.Index(body, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
