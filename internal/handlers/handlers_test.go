package handlers

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/internal/worker"
)

type fakeEmail struct {
	mu      sync.Mutex
	sent    []delivery.EmailRequest
	fail    map[string]bool
	errFor  map[string]error
	failAll bool
	err     error
}

func (f *fakeEmail) Send(ctx context.Context, req delivery.EmailRequest) (delivery.EmailResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()

	if f.err != nil {
		return delivery.EmailResponse{}, f.err
	}
	if err := f.errFor[req.ToAddress]; err != nil {
		return delivery.EmailResponse{}, err
	}
	if f.failAll || f.fail[req.ToAddress] {
		return delivery.EmailResponse{Success: false, Message: "rejected", Error: "mailbox unavailable"}, nil
	}
	if req.ToAddress == "" {
		return delivery.EmailResponse{Success: true, Message: "queued", WorkflowID: "wf-1"}, nil
	}
	return delivery.EmailResponse{Success: true, Message: "sent", EmailID: "em-" + req.ToAddress}, nil
}

func (f *fakeEmail) byAddress() map[string]delivery.EmailRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]delivery.EmailRequest, len(f.sent))
	for _, r := range f.sent {
		out[r.ToAddress] = r
	}
	return out
}

type fakePush struct {
	resp delivery.PushResponse
	err  error
	got  []delivery.PushRequest
}

func (f *fakePush) Send(ctx context.Context, req delivery.PushRequest) (delivery.PushResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

type fakeOrchestrator struct {
	resp delivery.OrchestrationResponse
	err  error
	got  []delivery.OrchestrationRequest
}

func (f *fakeOrchestrator) Send(ctx context.Context, req delivery.OrchestrationRequest) (delivery.OrchestrationResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

type failingDirectory struct{}

func (failingDirectory) FetchUserEmails(ctx context.Context, ids []string) ([]string, error) {
	return nil, errors.New("directory offline")
}

func recipients(pairs ...any) []any {
	out := make([]any, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, map[string]any{"user_id": pairs[i], "variables": pairs[i+1]})
	}
	return out
}

func TestLogMessageHandler(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewLogger(&logger.Config{
		Level:   logger.LevelDebug,
		Format:  logger.FormatJSON,
		Console: logger.ConsoleConfig{Enabled: true, Output: &buf},
	})
	require.NoError(t, err)
	h := NewLogMessageHandler(log)

	res := h.Execute(context.Background(), task.Data{
		"message":   "héllo",
		"level":     "warn",
		"timestamp": "2026-01-02T03:04:05Z",
	})
	require.True(t, res.Success)
	assert.Equal(t, "2026-01-02T03:04:05Z", res.Metadata["loggedAt"])
	assert.Equal(t, "warn", res.Metadata["level"])
	assert.Equal(t, 5, res.Metadata["messageLength"])
	assert.Contains(t, buf.String(), "héllo")
	assert.Contains(t, buf.String(), "WARN")
}

func TestLogMessageHandler_Defaults(t *testing.T) {
	h := NewLogMessageHandler(&logger.NoOpLogger{})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	res := h.Execute(context.Background(), task.Data{"message": "hi"})
	require.True(t, res.Success)
	assert.Equal(t, "info", res.Metadata["level"])
	assert.Equal(t, "2026-03-01T12:00:00Z", res.Metadata["loggedAt"])
}

func TestLogMessageHandler_Validation(t *testing.T) {
	h := NewLogMessageHandler(&logger.NoOpLogger{})

	tests := []struct {
		name string
		data task.Data
		want string
	}{
		{"nil data", nil, "Invalid data: expected an object"},
		{"missing message", task.Data{}, "message is required and must be a string"},
		{"non-string message", task.Data{"message": 42}, "message is required and must be a string"},
		{"bad level", task.Data{"message": "x", "level": "loud"}, "Invalid level"},
		{"bad timestamp", task.Data{"message": "x", "timestamp": "yesterday"}, "Invalid timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, task.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)

			res := h.Execute(context.Background(), tt.data)
			assert.False(t, res.Success)
			assert.Equal(t, task.KindValidation, res.Kind)
		})
	}
}

func TestEmailHandler(t *testing.T) {
	email := &fakeEmail{}
	h := NewEmailHandler(email)

	res := h.Execute(context.Background(), task.Data{
		"email_type":    "welcome",
		"template_name": "welcome_v2",
		"to_address":    "a@example.com",
	})
	require.True(t, res.Success)
	assert.Equal(t, "em-a@example.com", res.Metadata["emailId"])
	assert.Equal(t, "welcome_v2", res.Metadata["template"])
	assert.Equal(t, "welcome", res.Metadata["email_type"])
	assert.NotEmpty(t, res.Metadata["processedAt"])

	res = h.Execute(context.Background(), task.Data{
		"email_type":       "digest",
		"content":          "weekly",
		"recipient_source": "all_users",
	})
	require.True(t, res.Success)
	assert.Equal(t, "wf-1", res.Metadata["workflowId"])
}

func TestEmailHandler_Validation(t *testing.T) {
	h := NewEmailHandler(&fakeEmail{})

	assert.ErrorContains(t, h.Validate(task.Data{"template_name": "x", "to_address": "a@b"}), "email_type is required")
	assert.ErrorContains(t, h.Validate(task.Data{"email_type": "x", "to_address": "a@b"}), "template_name or content is required")
	assert.ErrorContains(t, h.Validate(task.Data{"email_type": "x", "content": "c"}), "No recipients specified")
	assert.ErrorIs(t, h.Validate(task.Data{"email_type": 5}), task.ErrValidation)
}

func TestEmailHandler_Failures(t *testing.T) {
	data := task.Data{"email_type": "welcome", "content": "hi", "to_address": "a@example.com"}

	res := NewEmailHandler(&fakeEmail{failAll: true}).Execute(context.Background(), data)
	assert.False(t, res.Success)
	assert.Equal(t, task.KindProvider, res.Kind)
	assert.Equal(t, "rejected", res.Message)
	assert.Equal(t, "mailbox unavailable", res.Error)
	assert.True(t, res.Retryable())

	res = NewEmailHandler(&fakeEmail{err: errors.New("dial tcp: refused")}).Execute(context.Background(), data)
	assert.False(t, res.Success)
	assert.Equal(t, task.KindUnexpected, res.Kind)
	assert.Equal(t, "Email handler execution failed", res.Message)
	assert.Equal(t, "dial tcp: refused", res.Error)
}

func TestPushHandler(t *testing.T) {
	push := &fakePush{resp: delivery.PushResponse{Success: true, Message: "ok", TicketIDs: []string{"t1", "t2"}}}
	h := NewPushHandler(push)

	res := h.Execute(context.Background(), task.Data{"title": "Hi", "content": "there", "users": []any{"u1", "u2"}})
	require.True(t, res.Success)
	assert.Equal(t, []string{"t1", "t2"}, res.Metadata["ticketIds"])
	require.Len(t, push.got, 1)
	assert.Equal(t, []string{"u1", "u2"}, push.got[0].Users)

	assert.ErrorContains(t, h.Validate(task.Data{"title": "Hi", "users": []any{"u1"}}), "title and content are required")
	assert.ErrorContains(t, h.Validate(task.Data{"title": "Hi", "content": "x"}), "No recipients specified")

	push.resp = delivery.PushResponse{Success: false, Message: "no devices", Error: "unregistered"}
	res = h.Execute(context.Background(), task.Data{"title": "Hi", "content": "there", "recipient_source": "beta"})
	assert.False(t, res.Success)
	assert.Equal(t, task.KindProvider, res.Kind)
}

func TestIndividualEmailHandler_PersonalizesEachRecipient(t *testing.T) {
	email := &fakeEmail{}
	dir := delivery.NewStaticDirectory(map[string]string{"u1": "a@example.com", "u2": "b@example.com"})
	h := NewIndividualEmailHandler(email, dir, worker.NewPool(2, 0))

	res := h.Execute(context.Background(), task.Data{
		"send_individual_messages": true,
		"per_user_variables": recipients(
			"u1", map[string]any{"firstName": "Ann", "plan": "pro"},
			"u2", map[string]any{"firstName": "Bo"},
		),
		"email_type":         "promo",
		"subject":            "Hi {{firstName}}",
		"content":            "Your plan: {{plan}} from {{company}}",
		"template_variables": map[string]any{"company": "Acme", "plan": "free"},
	})

	require.True(t, res.Success)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
	assert.Equal(t, "Sent 2 of 2 individual emails", res.Message)
	require.Len(t, res.Recipients, 2)
	assert.Equal(t, "u1", res.Recipients[0].UserID)
	assert.Equal(t, "em-a@example.com", res.Recipients[0].EmailID)

	sent := email.byAddress()
	require.Len(t, sent, 2)
	assert.Equal(t, "Hi Ann", sent["a@example.com"].Subject)
	assert.Equal(t, "Your plan: pro from Acme", sent["a@example.com"].Content)
	assert.Equal(t, "Hi Bo", sent["b@example.com"].Subject)
	assert.Equal(t, "Your plan: free from Acme", sent["b@example.com"].Content)
	assert.Equal(t, "promo", sent["b@example.com"].EmailType)
	assert.Empty(t, sent["b@example.com"].RecipientSource)
}

func TestIndividualEmailHandler_PartialFailure(t *testing.T) {
	email := &fakeEmail{
		fail:   map[string]bool{"b@example.com": true},
		errFor: map[string]error{"c@example.com": errors.New("timeout")},
	}
	dir := delivery.NewStaticDirectory(map[string]string{"u1": "a@example.com", "u2": "b@example.com", "u3": "c@example.com"})
	h := NewIndividualEmailHandler(email, dir, worker.NewPool(3, 0))

	res := h.Execute(context.Background(), task.Data{
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{}, "u2", map[string]any{}, "u3", map[string]any{}),
		"email_type":               "notice",
		"content":                  "x",
	})

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	assert.Equal(t, "mailbox unavailable", res.Recipients[1].Error)
	assert.Equal(t, "timeout", res.Recipients[2].Error)
	assert.Equal(t, "Failed to send email", res.Recipients[2].Message)
}

func TestIndividualEmailHandler_AllFailed(t *testing.T) {
	dir := delivery.NewStaticDirectory(map[string]string{"u1": "a@example.com"})
	h := NewIndividualEmailHandler(&fakeEmail{failAll: true}, dir, worker.NewPool(1, 0))

	res := h.Execute(context.Background(), task.Data{
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{}),
		"email_type":               "notice",
		"content":                  "x",
	})

	assert.False(t, res.Success)
	assert.Equal(t, task.KindProvider, res.Kind)
	assert.Equal(t, "All individual emails failed to send", res.Message)
	assert.Equal(t, 1, res.FailureCount)
	assert.True(t, res.Retryable())
}

func TestIndividualEmailHandler_MissingEmailSendsNothing(t *testing.T) {
	email := &fakeEmail{}
	dir := delivery.NewStaticDirectory(map[string]string{"u1": "a@example.com"})
	h := NewIndividualEmailHandler(email, dir, worker.NewPool(2, 0))

	res := h.Execute(context.Background(), task.Data{
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{}, "u2", map[string]any{}),
		"email_type":               "notice",
		"content":                  "x",
	})

	assert.False(t, res.Success)
	assert.Equal(t, "Failed to fetch all user emails", res.Message)
	assert.Empty(t, email.sent)
}

func TestIndividualEmailHandler_DirectoryError(t *testing.T) {
	h := NewIndividualEmailHandler(&fakeEmail{}, failingDirectory{}, worker.NewPool(1, 0))

	res := h.Execute(context.Background(), task.Data{
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{}),
		"email_type":               "notice",
		"content":                  "x",
	})

	assert.False(t, res.Success)
	assert.Equal(t, task.KindUnexpected, res.Kind)
	assert.Equal(t, "directory offline", res.Error)
}

func TestIndividualEmailHandler_Validation(t *testing.T) {
	h := NewIndividualEmailHandler(&fakeEmail{}, delivery.NewStaticDirectory(nil), worker.NewPool(1, 0))

	base := func() task.Data {
		return task.Data{
			"send_individual_messages": true,
			"per_user_variables":       recipients("u1", map[string]any{}),
			"email_type":               "notice",
			"content":                  "x",
		}
	}

	d := base()
	d["send_individual_messages"] = false
	assert.ErrorContains(t, h.Validate(d), "send_individual_messages must be true")

	d = base()
	d["per_user_variables"] = []any{}
	assert.ErrorContains(t, h.Validate(d), "per_user_variables is required")

	d = base()
	d["per_user_variables"] = recipients("", map[string]any{})
	assert.ErrorContains(t, h.Validate(d), "Invalid user_id at index 0")

	d = base()
	d["recipient_count"] = 3
	assert.ErrorContains(t, h.Validate(d), "recipient_count (3) does not match")

	d = base()
	delete(d, "content")
	assert.ErrorContains(t, h.Validate(d), "template_name or content is required")

	assert.NoError(t, h.Validate(base()))
}

func newRegistry(email *fakeEmail, orch *fakeOrchestrator) *worker.Registry {
	reg := worker.NewRegistry()
	RegisterDefaults(reg, Deps{
		Email:        email,
		Push:         &fakePush{resp: delivery.PushResponse{Success: true}},
		Orchestrator: orch,
		Directory:    delivery.NewStaticDirectory(map[string]string{"u1": "a@example.com", "u2": "b@example.com"}),
		Pool:         worker.NewPool(2, 0),
		Logger:       &logger.NoOpLogger{},
	})
	return reg
}

func TestRegisterDefaults(t *testing.T) {
	reg := newRegistry(&fakeEmail{}, &fakeOrchestrator{})

	assert.Equal(t, []task.Type{
		task.TypeCustom, task.TypeEmail, task.TypeIndividualEmail, task.TypeOrchestration, task.TypePush,
	}, reg.RegisteredTypes())
	assert.False(t, reg.HasHandler(task.TypeDatabaseUpdate))

	bare := worker.NewRegistry()
	RegisterDefaults(bare, Deps{Logger: &logger.NoOpLogger{}})
	assert.Equal(t, []task.Type{task.TypeCustom}, bare.RegisteredTypes())
}

func TestOrchestrationHandler_Delegates(t *testing.T) {
	orch := &fakeOrchestrator{resp: delivery.OrchestrationResponse{
		Success:     true,
		Message:     "delivered",
		WorkflowID:  "wf-9",
		PushResults: &delivery.PushResponse{Success: true},
	}}
	reg := newRegistry(&fakeEmail{}, orch)

	res := reg.Execute(context.Background(), task.TypeOrchestration, task.Data{
		"mode":    "push_preferred",
		"users":   []any{"u1"},
		"title":   "Hi",
		"content": "there",
	})

	require.True(t, res.Success)
	assert.Equal(t, "wf-9", res.Metadata["workflowId"])
	assert.NotNil(t, res.Metadata["push_results"])
	assert.Nil(t, res.Metadata["email_results"])
	require.Len(t, orch.got, 1)
	assert.Equal(t, "push_preferred", orch.got[0].Mode)

	orch.resp = delivery.OrchestrationResponse{Success: false, Message: "nothing delivered", Error: "all channels failed"}
	res = reg.Execute(context.Background(), task.TypeOrchestration, task.Data{"mode": "both", "users": []any{"u1"}, "content_key": "k"})
	assert.False(t, res.Success)
	assert.Equal(t, task.KindProvider, res.Kind)

	orch.err = errors.New("boom")
	res = reg.Execute(context.Background(), task.TypeOrchestration, task.Data{"mode": "both", "users": []any{"u1"}, "content_key": "k"})
	assert.Equal(t, "Orchestration handler execution failed", res.Message)
}

func TestOrchestrationHandler_Validation(t *testing.T) {
	h := NewOrchestrationHandler(&fakeOrchestrator{}, nil)

	assert.ErrorContains(t, h.Validate(task.Data{"users": []any{"u1"}}), "mode is required")
	assert.ErrorContains(t, h.Validate(task.Data{"mode": "sms", "users": []any{"u1"}}), `Invalid mode "sms"`)
	assert.ErrorContains(t, h.Validate(task.Data{"mode": "both", "title": "t", "content": "c"}), "No recipients specified")
	assert.ErrorContains(t, h.Validate(task.Data{"mode": "both", "users": []any{"u1"}, "title": "t"}), "No content specified")
	assert.ErrorContains(t, h.Validate(task.Data{
		"mode":                     "push_preferred",
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{}),
		"content":                  "c",
	}), "individual messaging currently only supports email mode")
}

func TestOrchestrationHandler_RoutesIndividualMessages(t *testing.T) {
	email := &fakeEmail{}
	reg := newRegistry(email, &fakeOrchestrator{})

	res := reg.Execute(context.Background(), task.TypeOrchestration, task.Data{
		"mode":                     "both",
		"send_individual_messages": true,
		"per_user_variables": recipients(
			"u1", map[string]any{"name": "Ann"},
			"u2", map[string]any{"name": "Bo"},
		),
		"title":       "Hello {{name}}",
		"content":     "Body for {{name}}",
		"content_key": "promo_template",
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Metadata["routedToIndividualHandler"])
	assert.Equal(t, "both", res.Metadata["orchestrationMode"])
	assert.Equal(t, 2, res.SuccessCount)

	sent := email.byAddress()
	assert.Equal(t, "Hello Ann", sent["a@example.com"].Subject)
	assert.Equal(t, "Body for Bo", sent["b@example.com"].Content)
	assert.Equal(t, "promo_template", sent["a@example.com"].TemplateName)
	assert.Equal(t, "notification", sent["a@example.com"].EmailType)
}

func TestOrchestrationHandler_RoutesContentSourceAsTemplate(t *testing.T) {
	email := &fakeEmail{}
	reg := newRegistry(email, &fakeOrchestrator{})
	data := task.Data{
		"mode":                     "both",
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{"name": "Ann"}),
		"content_source":           "weekly_digest",
	}

	res := reg.Execute(context.Background(), task.TypeOrchestration, data)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "weekly_digest", email.byAddress()["a@example.com"].TemplateName)

	delete(data, "content_source")
	h := NewOrchestrationHandler(&fakeOrchestrator{}, reg)
	assert.ErrorContains(t, h.Validate(data), "content_key, content_source or content is required")
}

func TestOrchestrationHandler_IndividualHandlerMissing(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(task.TypeOrchestration, NewOrchestrationHandler(&fakeOrchestrator{}, reg))

	res := reg.Execute(context.Background(), task.TypeOrchestration, task.Data{
		"mode":                     "both",
		"send_individual_messages": true,
		"per_user_variables":       recipients("u1", map[string]any{}),
		"content":                  "c",
	})

	assert.False(t, res.Success)
	assert.Equal(t, task.KindHandlerMissing, res.Kind)
	assert.Equal(t, "IndividualEmailHandler not available", res.Message)
	assert.False(t, res.Retryable())
}
