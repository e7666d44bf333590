package task

import (
	"errors"
	"testing"
)

func TestExecution_IsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"Completed", StatusCompleted, true},
		{"Failed", StatusFailed, false},
		{"Pending", StatusPending, false},
		{"Processing", StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Execution{Status: tt.status}
			if got := e.IsSuccess(); got != tt.want {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecution_IsFailed(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"Failed", StatusFailed, true},
		{"Completed", StatusCompleted, false},
		{"Pending", StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Execution{Status: tt.status}
			if got := e.IsFailed(); got != tt.want {
				t.Errorf("IsFailed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResult_Retryable(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{"success", Succeeded("ok", nil), false},
		{"validation", Failed(KindValidation, "bad", ""), false},
		{"handler missing", Failed(KindHandlerMissing, "none", ""), false},
		{"provider", Failed(KindProvider, "down", ""), true},
		{"unexpected", Failed(KindUnexpected, "boom", ""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailedWith(t *testing.T) {
	r := FailedWith(Errorf(KindValidation, "Invalid user_id at index 0"), "")
	if r.Success || r.Kind != KindValidation || r.Message != "Invalid user_id at index 0" {
		t.Errorf("unexpected result %+v", r)
	}

	r = FailedWith(errors.New("connection reset"), "Email handler execution failed")
	if r.Kind != KindUnexpected || r.Message != "Email handler execution failed" || r.Error != "connection reset" {
		t.Errorf("unexpected result %+v", r)
	}
}
