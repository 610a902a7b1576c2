// Package planloader reads compiled plans from YAML files.
package planloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/advise"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// YAMLLoader implements the PlanLoader port by reading YAML files from disk.
type YAMLLoader struct {
	logger ports.Logger
}

func NewYAMLLoader(logger ports.Logger) *YAMLLoader {
	return &YAMLLoader{logger: logger}
}

func (l *YAMLLoader) Load(ctx context.Context, path string) (*ports.PlanDocument, error) {
	if err := contextCheck(ctx); err != nil {
		return nil, err
	}

	l.logDebug(ctx, "loading plan", map[string]interface{}{"path": path})

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
	default:
		return nil, derrors.New(derrors.ErrCodeValidation, "unsupported plan file extension", map[string]interface{}{
			"path":      path,
			"extension": ext,
		})
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		l.logError(ctx, "failed to read plan", err, map[string]interface{}{"path": path})
		return nil, convertError(apperrors.NewParseError(path, 0, err), path)
	}

	doc, err := Parse(path, raw)
	if err != nil {
		l.logError(ctx, "failed to parse plan", err, map[string]interface{}{"path": path})
		return nil, convertError(err, path)
	}

	if err := contextCheck(ctx); err != nil {
		return nil, err
	}

	l.logInfo(ctx, "plan loaded", map[string]interface{}{
		"path":    path,
		"plan_id": doc.Plan.ID,
		"nodes":   len(doc.Plan.Nodes),
	})
	return doc, nil
}

// Parse decodes and validates a plan document. path is only used in errors.
func Parse(path string, raw []byte) (*ports.PlanDocument, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.NewParseError(path, extractLine(err), err)
	}
	if err := validatorInstance().Struct(&doc); err != nil {
		return nil, toValidationError(err)
	}

	seen := make(map[string]struct{}, len(doc.Nodes))
	for _, node := range doc.Nodes {
		if _, dup := seen[node.ID]; dup {
			return nil, apperrors.NewValidationError("nodes", fmt.Sprintf("duplicate node id %q", node.ID), nil)
		}
		seen[node.ID] = struct{}{}
	}

	plan := doc.toPlan()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	for _, node := range plan.Nodes {
		if _, err := advise.BuildChain(node.Advisers, func() string { return "" }); err != nil {
			var domainErr *derrors.DomainError
			if errors.As(err, &domainErr) {
				return nil, domainErr.WithContext(map[string]interface{}{"node_id": node.ID})
			}
			return nil, err
		}
	}

	return &ports.PlanDocument{
		Plan:              plan,
		SetupAbstractions: doc.Setup,
		Labels:            doc.Labels,
		Version:           doc.Version,
		Raw:               raw,
	}, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.NewValidationError("", err.Error(), err)
	}
	first := verrs[0]
	field := strings.TrimPrefix(first.Namespace(), "document.")
	msg := fmt.Sprintf("failed %q validation", first.Tag())
	if first.Param() != "" {
		msg = fmt.Sprintf("failed %q validation (%s)", first.Tag(), first.Param())
	}
	return apperrors.NewValidationError(field, msg, err)
}

func convertError(err error, path string) error {
	if err == nil {
		return nil
	}
	var domainErr *derrors.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.WithContext(map[string]interface{}{"path": path})
	}
	var parseErr *apperrors.ParseError
	if errors.As(err, &parseErr) {
		if errors.Is(parseErr.Err, os.ErrNotExist) {
			return derrors.Wrap(derrors.ErrCodeNotFound, "plan not found", parseErr.Err, map[string]interface{}{"path": path})
		}
		return derrors.Wrap(derrors.ErrCodeValidation, "invalid plan syntax", err, map[string]interface{}{
			"path": parseErr.Path,
			"line": parseErr.Line,
		})
	}
	var valErr *apperrors.ValidationError
	if errors.As(err, &valErr) {
		context := map[string]interface{}{"path": path}
		if valErr.Field != "" {
			context["field"] = valErr.Field
		}
		return derrors.Wrap(derrors.ErrCodeValidation, valErr.Message, err, context)
	}
	return derrors.Wrap(derrors.ErrCodeInternal, "plan load failed", err, map[string]interface{}{"path": path})
}

func contextCheck(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return derrors.Wrap(derrors.ErrCodeCancelled, "operation cancelled", err, nil)
	}
	return nil
}

func extractLine(err error) int {
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}

func (l *YAMLLoader) logDebug(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Debug(ctx, msg, flattenFields(fields)...)
}

func (l *YAMLLoader) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Info(ctx, msg, flattenFields(fields)...)
}

func (l *YAMLLoader) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["error"] = err
	l.logger.Error(ctx, msg, flattenFields(payload)...)
}

func flattenFields(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

var _ ports.PlanLoader = (*YAMLLoader)(nil)
