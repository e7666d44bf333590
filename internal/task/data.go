package task

import (
	"encoding/json"
	"fmt"
)

// Data is a task payload: a JSON object whose shape only the matching handler
// interprets
type Data map[string]any

// Clone returns a shallow copy of d
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Decode converts the payload into a typed handler input
func (d Data) Decode(v any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal task data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode task data: %w", err)
	}
	return nil
}

// String returns d[key] when it holds a string
func (d Data) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Bool returns d[key] when it holds a bool
func (d Data) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// DataFrom converts any JSON-marshalable value into Data
func DataFrom(v any) (Data, error) {
	if d, ok := v.(Data); ok {
		return d, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task data: %w", err)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("task data must be a JSON object: %w", err)
	}
	return d, nil
}

// HandlerData is the payload handed to the task's handler: Data plus the
// individual-messaging fields, which live on the task itself.
func (t *Task) HandlerData() Data {
	d := t.Data.Clone()
	if d == nil {
		d = Data{}
	}
	if !t.SendIndividualMessages {
		return d
	}
	d["send_individual_messages"] = true
	perUser := make([]any, len(t.PerUserVariables))
	for i, rv := range t.PerUserVariables {
		perUser[i] = map[string]any{"user_id": rv.UserID, "variables": rv.Variables}
	}
	d["per_user_variables"] = perUser
	if t.RecipientCount != nil {
		d["recipient_count"] = *t.RecipientCount
	}
	return d
}
