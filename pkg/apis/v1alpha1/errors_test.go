package v1alpha1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorCodeWrapped(t *testing.T) {
	err := fmt.Errorf("adding %q: %w", "github", ErrDuplicateProvider)

	code, status := ErrorCode(err)
	if code != CodeDuplicateProvider {
		t.Errorf("expected code %s, got %s", CodeDuplicateProvider, code)
	}
	if status != http.StatusConflict {
		t.Errorf("expected status 409, got %d", status)
	}
}

func TestErrorCodeUnknown(t *testing.T) {
	code, status := ErrorCode(errors.New("boom"))
	if code != CodeInternal {
		t.Errorf("expected code %s, got %s", CodeInternal, code)
	}
	if status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", status)
	}
}

func TestErrorForCodeRoundTrip(t *testing.T) {
	for _, m := range errorMappings {
		code, _ := ErrorCode(m.err)
		if got := ErrorForCode(code); got != m.err {
			t.Errorf("code %s: expected %v, got %v", code, m.err, got)
		}
	}

	if ErrorForCode("nope") != nil {
		t.Error("expected nil for unknown code")
	}
}

func TestErrorCodeContext(t *testing.T) {
	code, status := ErrorCode(fmt.Errorf("listing: %w", context.Canceled))
	if code != CodeCanceled || status != StatusClientClosedRequest {
		t.Errorf("expected canceled/499, got %s/%d", code, status)
	}
}
