package schema

import (
	"encoding/json"
	"strings"
)

// Defaults shared by the node config blocks.
const (
	DefaultHistoryKey         = "default"
	DefaultLLMOutputVar       = "aiResponse"
	DefaultUserInputVar       = "userInput"
	DefaultUserInputPrompt    = "请输入您的消息："
	DefaultUserInputNickname  = "用户"
	DefaultInfoOutputNickname = "系统"
	DefaultAssignVariableType = VarString
	SystemSenderNickname      = "系统"
)

// LLMCallConfig is the config block for llm_call nodes.
type LLMCallConfig struct {
	SystemPrompt     string          `json:"systemPrompt"`
	UserPrompt       string          `json:"userPrompt"`
	Plugins          json.RawMessage `json:"plugins,omitempty"`
	OutputVar        string          `json:"outputVar"`
	OutputVariable   string          `json:"outputVariable,omitempty"`
	HistoryKey       string          `json:"historyKey"`
	UseHistory       bool            `json:"useHistory"`
	SaveToHistory    bool            `json:"saveToHistory"`
	SaveHistoryKey   string          `json:"saveHistoryKey"`
	ChatNickname     string          `json:"chatNickname"`
	EnableChatOutput bool            `json:"enableChatOutput"`
	ResponseFilter   string          `json:"responseFilter,omitempty"` // jq, applied when the response is JSON
}

// Normalize folds aliases and fills defaults.
func (c *LLMCallConfig) Normalize(node *Node) {
	c.OutputVar = orDefault(firstNonEmpty(c.OutputVar, c.OutputVariable), DefaultLLMOutputVar)
	c.HistoryKey = orDefault(c.HistoryKey, DefaultHistoryKey)
	c.SaveHistoryKey = orDefault(c.SaveHistoryKey, c.HistoryKey)
	c.ChatNickname = orDefault(c.ChatNickname, node.DisplayName())
}

// AssignTarget names one variable an llm_assign node may update.
type AssignTarget struct {
	Name string       `json:"name" validate:"required"`
	Type VariableType `json:"type,omitempty" validate:"omitempty,oneofci=string integer double"`
}

// LLMAssignConfig is the config block for llm_assign nodes.
type LLMAssignConfig struct {
	AssignVariables []AssignTarget `json:"assignVariables" validate:"required,min=1,dive"`
	SystemPrompt    string         `json:"systemPrompt,omitempty"`
	UserPrompt      string         `json:"userPrompt"`
	HistoryKey      string         `json:"historyKey"`
	UseHistory      bool           `json:"useHistory"`
	ChatNickname    string         `json:"chatNickname"`
	ResponseFilter  string         `json:"responseFilter,omitempty"`
}

// Normalize fills defaults.
func (c *LLMAssignConfig) Normalize(node *Node) {
	c.HistoryKey = orDefault(c.HistoryKey, DefaultHistoryKey)
	c.ChatNickname = orDefault(c.ChatNickname, node.DisplayName())
	for i := range c.AssignVariables {
		t := VariableType(strings.ToLower(strings.TrimSpace(string(c.AssignVariables[i].Type))))
		if t == "" {
			t = DefaultAssignVariableType
		}
		c.AssignVariables[i].Type = t
	}
}

// BranchOption is one choice offered by an llm_branch node.
type BranchOption struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// LLMBranchConfig is the config block for llm_branch nodes.
type LLMBranchConfig struct {
	Branches      []BranchOption `json:"branches" validate:"required,min=1,dive"`
	DefaultBranch string         `json:"defaultBranch,omitempty"`
	UserPrompt    string         `json:"userPrompt"`
	HistoryKey    string         `json:"historyKey"`
	UseHistory    bool           `json:"useHistory"`
	ChatNickname  string         `json:"chatNickname"`
}

// Normalize fills defaults. The default branch falls back to the last one.
func (c *LLMBranchConfig) Normalize(node *Node) {
	c.HistoryKey = orDefault(c.HistoryKey, DefaultHistoryKey)
	c.ChatNickname = orDefault(c.ChatNickname, node.DisplayName())
	if c.DefaultBranch == "" && len(c.Branches) > 0 {
		c.DefaultBranch = c.Branches[len(c.Branches)-1].Name
	}
}

// HasBranch reports whether name is one of the configured branches.
func (c *LLMBranchConfig) HasBranch(name string) bool {
	for _, b := range c.Branches {
		if b.Name == name {
			return true
		}
	}
	return false
}

// Assignment is one (variableName, valueExpression) statement.
type Assignment struct {
	VariableName    string `json:"variableName"`
	ValueExpression string `json:"valueExpression"`
}

// Blank reports whether the statement should be skipped.
func (a Assignment) Blank() bool {
	return strings.TrimSpace(a.VariableName) == "" || strings.TrimSpace(a.ValueExpression) == ""
}

// AssignConfig is the config block for assign nodes.
type AssignConfig struct {
	Assignments []Assignment `json:"assignments"`
}

// UserInputConfig is the config block for user_input nodes.
type UserInputConfig struct {
	Prompt          string `json:"prompt"`
	OutputVar       string `json:"outputVar"`
	OutputVariable  string `json:"outputVariable,omitempty"`
	HistoryKey      string `json:"historyKey"`
	SaveToHistory   *bool  `json:"saveToHistory,omitempty"`
	HistoryNickname string `json:"historyNickname"`
	SaveHistoryKey  string `json:"saveHistoryKey"`
}

// Normalize folds aliases and fills defaults. saveToHistory defaults to true.
func (c *UserInputConfig) Normalize(*Node) {
	c.Prompt = orDefault(c.Prompt, DefaultUserInputPrompt)
	c.OutputVar = orDefault(firstNonEmpty(c.OutputVar, c.OutputVariable), DefaultUserInputVar)
	c.HistoryKey = orDefault(c.HistoryKey, DefaultHistoryKey)
	c.SaveHistoryKey = orDefault(c.SaveHistoryKey, c.HistoryKey)
	c.HistoryNickname = orDefault(c.HistoryNickname, DefaultUserInputNickname)
	if c.SaveToHistory == nil {
		t := true
		c.SaveToHistory = &t
	}
}

// InfoOutputConfig is the config block for info_output nodes.
type InfoOutputConfig struct {
	Prompt          string `json:"prompt"`
	HistoryKey      string `json:"historyKey"`
	SaveToHistory   bool   `json:"saveToHistory"`
	HistoryNickname string `json:"historyNickname"`
}

// Normalize fills defaults.
func (c *InfoOutputConfig) Normalize(*Node) {
	c.HistoryKey = orDefault(c.HistoryKey, DefaultHistoryKey)
	c.HistoryNickname = orDefault(c.HistoryNickname, DefaultInfoOutputNickname)
}

// DecodeConfig unmarshals a node's config block into dst. An absent config
// decodes as the zero value. Errors are NODE_CONFIG_ERROR.
func DecodeConfig(node *Node, dst any) error {
	if len(node.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(node.Config, dst); err != nil {
		return NewErrorf(ErrCodeNodeConfig, "invalid %s config: %v", node.Type, err).
			WithNode(node.Key).WithCause(err)
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
