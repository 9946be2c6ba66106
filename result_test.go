package stageplan

import "testing"

func TestResultSuccessAndError(t *testing.T) {
	ok := NewSuccess(42)
	if !ok.IsSuccess() || ok.IsError() {
		t.Fatalf("NewSuccess result reports wrong state")
	}
	if ok.Value() != 42 {
		t.Errorf("Value() = %d, want 42", ok.Value())
	}

	failed := NewError(0, errTest, "test-op")
	if !failed.IsError() || failed.IsSuccess() {
		t.Fatalf("NewError result reports wrong state")
	}
	if failed.Error().OperatorName != "test-op" {
		t.Errorf("OperatorName = %q, want %q", failed.Error().OperatorName, "test-op")
	}
}

func TestResultValueOr(t *testing.T) {
	ok := NewSuccess(7)
	if got := ok.ValueOr(0); got != 7 {
		t.Errorf("ValueOr on success = %d, want 7", got)
	}

	failed := NewError(0, errTest, "test-op")
	if got := failed.ValueOr(99); got != 99 {
		t.Errorf("ValueOr on error = %d, want 99", got)
	}
}

func TestResultMetadataRoundTrip(t *testing.T) {
	r := NewSuccess("row").WithMetadata(MetadataStageID, 3)

	v, ok := r.GetMetadata(MetadataStageID)
	if !ok || v != 3 {
		t.Fatalf("GetMetadata = %v, %v, want 3, true", v, ok)
	}

	i, ok, err := r.GetIntMetadata(MetadataStageID)
	if err != nil || !ok || i != 3 {
		t.Fatalf("GetIntMetadata = %d, %v, %v, want 3, true, nil", i, ok, err)
	}
}

func TestResultGetIntMetadataTypeMismatch(t *testing.T) {
	r := NewSuccess("row").WithMetadata(MetadataSourceFile, "file.arrow")
	_, _, err := r.GetIntMetadata(MetadataSourceFile)
	if err == nil {
		t.Fatal("expected type-mismatch error")
	}
}

func TestResultWithMetadataIgnoresEmptyKey(t *testing.T) {
	r := NewSuccess("row").WithMetadata("", "ignored")
	if _, ok := r.GetMetadata(""); ok {
		t.Fatal("expected empty key to be ignored")
	}
}

var errTest = &PlanError{Kind: ErrIO, Subject: "test", Err: errTestCause{}}

type errTestCause struct{}

func (errTestCause) Error() string { return "boom" }
