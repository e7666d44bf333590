package task

// ValidateRecipients checks the per-recipient invariant of individual
// messaging tasks. It is a no-op when sendIndividual is false.
func ValidateRecipients(sendIndividual bool, perUser []RecipientVariables, recipientCount *int) error {
	if !sendIndividual {
		return nil
	}
	if len(perUser) == 0 {
		return Errorf(KindValidation, "per_user_variables is required and must be a non-empty array when send_individual_messages is true")
	}
	for i, entry := range perUser {
		if entry.UserID == "" {
			return Errorf(KindValidation, "Invalid user_id at index %d: must be a non-empty string", i)
		}
		if entry.Variables == nil {
			return Errorf(KindValidation, "Invalid variables at index %d: must be a non-null object", i)
		}
	}
	if recipientCount != nil && *recipientCount != len(perUser) {
		return Errorf(KindValidation, "recipient_count (%d) does not match per_user_variables length (%d)", *recipientCount, len(perUser))
	}
	return nil
}

// ParseRecipients converts an untyped per_user_variables value (as found in
// decoded JSON) into typed entries, reporting the same errors as
// ValidateRecipients for malformed entries.
func ParseRecipients(raw any) ([]RecipientVariables, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []RecipientVariables:
		return v, nil
	case []any:
		out := make([]RecipientVariables, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, Errorf(KindValidation, "Invalid per_user_variables entry at index %d: must be an object", i)
			}
			userID, ok := obj["user_id"].(string)
			if !ok || userID == "" {
				return nil, Errorf(KindValidation, "Invalid user_id at index %d: must be a non-empty string", i)
			}
			vars, ok := obj["variables"].(map[string]any)
			if !ok || vars == nil {
				return nil, Errorf(KindValidation, "Invalid variables at index %d: must be a non-null object", i)
			}
			out = append(out, RecipientVariables{UserID: userID, Variables: vars})
		}
		return out, nil
	default:
		return nil, Errorf(KindValidation, "per_user_variables must be an array")
	}
}

// ParseRecipientCount reads an optional recipient_count from decoded JSON
func ParseRecipientCount(raw any) (*int, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return &v, nil
	case float64:
		n := int(v)
		if float64(n) != v {
			return nil, Errorf(KindValidation, "recipient_count must be an integer")
		}
		return &n, nil
	default:
		return nil, Errorf(KindValidation, "recipient_count must be an integer")
	}
}
