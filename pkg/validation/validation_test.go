package validation

import (
	"fmt"
	"testing"
)

func TestErrorsCollectAndUnwrap(t *testing.T) {
	var errs Errors
	if errs.Err() != nil {
		t.Fatalf("expected nil error for empty set")
	}
	errs.Add("subdomain", CodeTaken, "subdomain is already taken")
	errs.Add("email", CodeInvalid, "email is invalid")

	wrapped := fmt.Errorf("register: %w", errs.Err())
	got, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected validation errors in chain")
	}
	if len(got) != 2 || !got.Has("email") || got.Has("name") {
		t.Fatalf("unexpected errors %+v", got)
	}
}
