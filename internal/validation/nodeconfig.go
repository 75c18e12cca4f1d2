package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/flowchat/pkg/schema"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func configValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// CompileConfig decodes a node's config block into its typed form, folds
// aliases, fills defaults and checks required fields. Node types without a
// config block return nil. Errors are NODE_CONFIG_ERROR.
func CompileConfig(node *schema.Node) (any, error) {
	var cfg interface{ Normalize(*schema.Node) }
	switch node.Type {
	case schema.NodeLLMCall:
		cfg = &schema.LLMCallConfig{}
	case schema.NodeLLMAssign:
		cfg = &schema.LLMAssignConfig{}
	case schema.NodeLLMBranch:
		cfg = &schema.LLMBranchConfig{}
	case schema.NodeUserInput:
		cfg = &schema.UserInputConfig{}
	case schema.NodeInfoOutput:
		cfg = &schema.InfoOutputConfig{}
	case schema.NodeAssign:
		ac := &schema.AssignConfig{}
		if err := schema.DecodeConfig(node, ac); err != nil {
			return nil, err
		}
		return ac, nil
	default:
		return nil, nil
	}

	if err := schema.DecodeConfig(node, cfg); err != nil {
		return nil, err
	}
	if err := configValidator().Struct(cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig, "invalid %s config: %s", node.Type, describeStructErrors(err)).
			WithNode(node.Key).WithCause(err)
	}
	cfg.Normalize(node)

	if bc, ok := cfg.(*schema.LLMBranchConfig); ok && !bc.HasBranch(bc.DefaultBranch) {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig, "defaultBranch %q is not one of the configured branches", bc.DefaultBranch).
			WithNode(node.Key)
	}
	return cfg, nil
}

// describeStructErrors renders validator field errors as
// "field: rule" pairs.
func describeStructErrors(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", trimRootNamespace(fe.Namespace()), rule))
	}
	return strings.Join(parts, "; ")
}

func trimRootNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
