package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := New(CodeNotYourTurn, "player p2 moved out of turn")
	if !stderrors.Is(err, New(CodeNotYourTurn, "different message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeGameFull, "")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(CodeStoreFailure, "commit room state", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be found in chain")
	}
	if err.Error() != "commit room state" {
		t.Fatalf("message = %q, want commit room state", err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"domain error", New(CodeRoomNotFound, "no such room"), CodeRoomNotFound},
		{"wrapped domain error", fmt.Errorf("submit: %w", New(CodeTimeoutRetry, "deadline")), CodeTimeoutRetry},
		{"plain error", fmt.Errorf("boom"), CodeUnknown},
		{"nil-ish chain", stderrors.New("x"), CodeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(CodeStoreFailure) {
		t.Fatal("store failure should be retryable")
	}
	if !Retryable(CodeTimeoutRetry) {
		t.Fatal("timeout retry should be retryable")
	}
	if Retryable(CodeNotYourTurn) {
		t.Fatal("validation rejection should not be retryable")
	}
	if Retryable(CodeLLMFailed) {
		t.Fatal("conversion failure is retried via requestConversion, not submit")
	}
}
