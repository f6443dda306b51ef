package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"unsupported format", ErrUnsupportedFormat, "IMP001"},
		{"wrapped empty file", fmt.Errorf("parse upload: %w", ErrEmptyFile), "IMP002"},
		{"line error unwraps to malformed", &LineError{Line: 3, Err: ErrMalformedFile}, "IMP003"},
		{"row limit", ErrRowLimitExceeded, "IMP004"},
		{"missing fields error", &MissingFieldsError{Fields: []Field{FieldDrawingNumber}}, "MAP001"},
		{"drawing locked inside sub-batch", &SubBatchError{Index: 2, Err: ErrDrawingLocked}, "LCK001"},
		{"commit failed", fmt.Errorf("%w: 1 sub-batch rolled back", ErrCommitFailed), "CMT001"},
		{"batch not found", ErrBatchNotFound, "BAT001"},
		{"too many imports", ErrTooManyImports, "BAT003"},
		{"duplicate key text", errors.New(`ERROR: duplicate key value violates unique constraint "components_instance_key"`), "DB001"},
		{"foreign key text", errors.New("insert or update violates foreign key constraint"), "DB003"},
		{"connection refused text", errors.New("dial tcp: connection refused"), "DB004"},
		{"context deadline", context.DeadlineExceeded, "DB006"},
		{"deadlock text", errors.New("deadlock detected"), "DB007"},
		{"unknown error falls back", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
			if tt.err != nil && got.Message == "" {
				t.Errorf("MapError(%v).Message is empty", tt.err)
			}
		})
	}
}

func TestMapError_SentinelBeatsPattern(t *testing.T) {
	// Text mentions a timeout, but the sentinel identifies the real cause.
	err := fmt.Errorf("lock wait timeout: %w", ErrDrawingLocked)
	if got := MapError(err).Code; got != "LCK001" {
		t.Errorf("MapError().Code = %q, want LCK001", got)
	}
}

func TestFormatUserError(t *testing.T) {
	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
	got := FormatUserError(ErrEmptyFile)
	want := "The file contains no data rows (Code: IMP002). Add component rows below the header row"
	if got != want {
		t.Errorf("FormatUserError() = %q, want %q", got, want)
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("IsUserFacing(nil) = true, want false")
	}
	if !IsUserFacing(ErrMalformedFile) {
		t.Error("IsUserFacing(ErrMalformedFile) = false, want true")
	}
	if IsUserFacing(errors.New("boom")) {
		t.Error("IsUserFacing(unknown) = true, want false")
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&SubBatchError{Index: 1, Err: ErrDrawingLocked}, "DrawingLocked: retry"},
		{&SubBatchError{Index: 1, Line: 4, Err: errors.New("disk full")}, "CommitFailed: disk full"},
		{errors.New("boom"), "CommitFailed: boom"},
	}
	for _, tt := range tests {
		if got := reasonFor(tt.err); got != tt.want {
			t.Errorf("reasonFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
