package middleware

import (
	"errors"
	"testing"

	"github.com/relaygate/gateway/internal/gwerrors"
	metricspkg "github.com/relaygate/gateway/internal/metrics"
)

func TestClassify_MapsAuthenticationCodes(t *testing.T) {
	err := gwerrors.New(gwerrors.CodeInvalidAPIKey, "bad key")
	if got := classify(err); got != metricspkg.ErrorClassAuthentication {
		t.Fatalf("classify = %q, want %q", got, metricspkg.ErrorClassAuthentication)
	}
}

func TestClassify_MapsAuthorizationCodes(t *testing.T) {
	err := gwerrors.New(gwerrors.CodeInsufficientScope, "missing scope")
	if got := classify(err); got != metricspkg.ErrorClassAuthorization {
		t.Fatalf("classify = %q, want %q", got, metricspkg.ErrorClassAuthorization)
	}
}

func TestClassify_MapsServerCodes(t *testing.T) {
	err := gwerrors.New(gwerrors.CodeUpstreamTimeout, "timed out")
	if got := classify(err); got != metricspkg.ErrorClassServer {
		t.Fatalf("classify = %q, want %q", got, metricspkg.ErrorClassServer)
	}
}

func TestClassify_DefaultsToValidationForUnmappedCode(t *testing.T) {
	err := gwerrors.New(gwerrors.Code("SOMETHING_NEW"), "bad body")
	if got := classify(err); got != metricspkg.ErrorClassValidation {
		t.Fatalf("classify = %q, want %q", got, metricspkg.ErrorClassValidation)
	}
}

func TestErrCode_FallsBackToInternalForPlainErrors(t *testing.T) {
	if got := errCode(errors.New("boom")); got != gwerrors.CodeInternal {
		t.Fatalf("errCode = %q, want %q", got, gwerrors.CodeInternal)
	}
}

func TestDecisionLabel(t *testing.T) {
	if got := decisionLabel(true); got != "allow" {
		t.Fatalf("decisionLabel(true) = %q, want %q", got, "allow")
	}
	if got := decisionLabel(false); got != "deny" {
		t.Fatalf("decisionLabel(false) = %q, want %q", got, "deny")
	}
}
