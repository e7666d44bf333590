// Package personalize merges global and per-recipient template variables and
// substitutes {{placeholders}} in message text.
package personalize

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/muaviaUsmani/planner/internal/task"
)

var (
	// ErrEmailCountMismatch is returned when userIDs and emails differ in length
	ErrEmailCountMismatch = errors.New("userIds and emails arrays must have the same length")
	// ErrVariablesCountMismatch is returned when perUserVariables and userIDs differ in length
	ErrVariablesCountMismatch = errors.New("perUserVariables must have the same length as userIds")

	placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
)

// MessageData is the per-recipient view built for one execution. It is never
// persisted.
type MessageData struct {
	UserID          string         `json:"user_id"`
	Email           string         `json:"email"`
	FirstName       string         `json:"first_name"`
	GlobalVariables map[string]any `json:"global_variables"`
	UserVariables   map[string]any `json:"user_variables"`
	MergedVariables map[string]any `json:"merged_variables"`
}

// MergeTemplateVariables shallow-merges user over global. Every key of both
// maps survives, including nil values.
func MergeTemplateVariables(global, user map[string]any) map[string]any {
	merged := make(map[string]any, len(global)+len(user))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range user {
		merged[k] = v
	}
	return merged
}

// PrepareMessageData pairs userIDs[i] with emails[i] and the variables of the
// perUser entry at the same position. An entry whose user_id does not match
// the id at its position contributes no variables.
func PrepareMessageData(userIDs, emails []string, perUser []task.RecipientVariables, global map[string]any) ([]MessageData, error) {
	if len(userIDs) != len(emails) {
		return nil, fmt.Errorf("%w (userIds=%d, emails=%d)", ErrEmailCountMismatch, len(userIDs), len(emails))
	}
	if len(perUser) != len(userIDs) {
		return nil, fmt.Errorf("%w (perUserVariables=%d, userIds=%d)", ErrVariablesCountMismatch, len(perUser), len(userIDs))
	}

	out := make([]MessageData, len(userIDs))
	for i, userID := range userIDs {
		vars := map[string]any{}
		if perUser[i].UserID == userID && perUser[i].Variables != nil {
			vars = perUser[i].Variables
		}
		out[i] = MessageData{
			UserID:          userID,
			Email:           emails[i],
			FirstName:       FirstName(vars),
			GlobalVariables: global,
			UserVariables:   vars,
			MergedVariables: MergeTemplateVariables(global, vars),
		}
	}
	return out, nil
}

// FirstName reads firstName, then first_name. No other key is treated as a name.
func FirstName(vars map[string]any) string {
	if s, ok := vars["firstName"].(string); ok && s != "" {
		return s
	}
	if s, ok := vars["first_name"].(string); ok {
		return s
	}
	return ""
}

// ProcessTemplateVariables replaces each {{key}} whose key exists in vars with
// the value's string form. Placeholders without a matching key are left as is.
func ProcessTemplateVariables(template string, vars map[string]any) string {
	if template == "" || len(vars) == 0 {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[2 : len(match)-2]
		v, ok := vars[key]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
