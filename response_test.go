package corppass

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var responseClock = time.Date(2017, 5, 10, 12, 0, 0, 0, time.UTC)

func buildResponse(t *testing.T, fixture responseFixture) (*Response, error) {
	t.Helper()
	env := parseEnvelopeFixture(t, fixture.render())
	return newResponse(env, testConfig(), nil, NopSink{}, func() time.Time { return responseClock })
}

func mustBuildResponse(t *testing.T, fixture responseFixture) *Response {
	t.Helper()
	r, err := buildResponse(t, fixture)
	if err != nil {
		t.Fatalf("newResponse: %v", err)
	}
	return r
}

func TestResponseValid(t *testing.T) {
	r := mustBuildResponse(t, fixtureAt(testConfig(), responseClock))
	if !r.Valid() {
		t.Fatalf("expected valid response, errors: %v", r.Errors())
	}
	if len(r.Errors()) != 0 {
		t.Errorf("expected no errors, got %v", r.Errors())
	}
}

func TestResponseValidIsIdempotent(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.Destination = "https://evil.example.com/acs"
	r := mustBuildResponse(t, fixture)

	if r.Valid() {
		t.Fatal("expected invalid response")
	}
	first := r.Errors()
	r.Valid()
	second := r.Errors()
	if len(first) != len(second) {
		t.Errorf("error list grew on re-check: %d then %d", len(first), len(second))
	}
}

func TestResponseDestinationMismatch(t *testing.T) {
	cfg := testConfig()
	fixture := fixtureAt(cfg, responseClock)
	fixture.Destination = "https://evil.example.com/acs"
	r := mustBuildResponse(t, fixture)

	want := "The destination was https://evil.example.com/acs, but the ACS is at " + cfg.ACSURL
	assertHasError(t, r.Errors(), want)
}

func TestResponseIssuerMismatch(t *testing.T) {
	cfg := testConfig()
	fixture := fixtureAt(cfg, responseClock)
	fixture.ResponseIssuer = "https://evil.example.com/idp"
	r := mustBuildResponse(t, fixture)

	want := "The issuer for <samlp:Response> was https://evil.example.com/idp but the issuer entity expected should be " + cfg.IdPEntity
	assertHasError(t, r.Errors(), want)
}

func TestResponseAssertionIssuerMismatch(t *testing.T) {
	cfg := testConfig()
	fixture := fixtureAt(cfg, responseClock)
	fixture.AssertionIssuer = "https://evil.example.com/idp"
	r := mustBuildResponse(t, fixture)

	want := "The issuer for <saml:Assertion> was https://evil.example.com/idp but the issuer entity expected should be " + cfg.IdPEntity
	assertHasError(t, r.Errors(), want)
}

func TestResponseStatusNotSuccess(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.StatusCode = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	r := mustBuildResponse(t, fixture)

	if r.Valid() {
		t.Fatal("expected invalid response")
	}
	found := false
	for _, msg := range r.Errors() {
		if strings.HasPrefix(msg, "SamlResponse status was not success: ") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing status error, got %v", r.Errors())
	}
}

func TestResponseMissingAssertion(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.OmitAssertion = true

	_, err := buildResponse(t, fixture)
	if err == nil {
		t.Fatal("expected error for missing assertion")
	}
	if !errors.Is(err, ErrMissingAssertion) {
		t.Errorf("expected ErrMissingAssertion, got %v", err)
	}
	var missing *MissingAssertionError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingAssertionError, got %T", err)
	}
	if missing.XML == "" {
		t.Error("expected error to carry the response XML")
	}
}

func TestResponseMultipleAssertions(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.ExtraAssertion = true
	r := mustBuildResponse(t, fixture)

	assertHasError(t, r.Errors(), "More than one assertions found: 2")
}

func TestResponseConditionsNotYetValid(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.NotBefore = "2017-05-10T12:30:00Z"
	r := mustBuildResponse(t, fixture)

	want := "For saml:Assertion/saml:Conditions, time now is 2017-05-10T12:00:00Z, and is before 2017-05-10T12:30:00Z"
	assertHasError(t, r.Errors(), want)
}

func TestResponseConditionsExpired(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.NotOnOrAfter = "2017-05-10T11:30:00Z"
	r := mustBuildResponse(t, fixture)

	want := "For saml:Assertion/saml:Conditions, time now is 2017-05-10T12:00:00Z, and is on or after 2017-05-10T11:30:00Z"
	assertHasError(t, r.Errors(), want)
}

func TestResponseConditionsBoundaryIsExpired(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.NotOnOrAfter = "2017-05-10T12:00:00Z"
	r := mustBuildResponse(t, fixture)

	if r.Valid() {
		t.Error("NotOnOrAfter equal to now must be rejected")
	}
}

func TestResponseMissingAudience(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.Audience = "https://other-sp.example.com"
	r := mustBuildResponse(t, fixture)

	assertHasError(t, r.Errors(), "Missing SP entity from audiences")
}

func TestResponseNoConditionsIsAccepted(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.OmitConditions = true
	r := mustBuildResponse(t, fixture)

	if !r.Valid() {
		t.Errorf("expected valid response without conditions, errors: %v", r.Errors())
	}
}

func TestResponseSubjectConfirmationWrongRecipient(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.Recipient = "https://evil.example.com/acs"
	r := mustBuildResponse(t, fixture)

	assertHasError(t, r.Errors(), "No valid subject confirmation found")
}

func TestResponseSubjectConfirmationWrongMethod(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.ConfirmationMethod = "urn:oasis:names:tc:SAML:2.0:cm:sender-vouches"
	r := mustBuildResponse(t, fixture)

	assertHasError(t, r.Errors(), "No valid subject confirmation found")
}

func TestResponseSubjectConfirmationExpired(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.ConfirmationNotOnOrAfter = "2017-05-10T11:00:00Z"
	r := mustBuildResponse(t, fixture)

	assertHasError(t, r.Errors(), "No valid subject confirmation found")
}

func TestResponseMissingSubjectConfirmation(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.OmitSubjectConfirmation = true
	r := mustBuildResponse(t, fixture)

	assertHasError(t, r.Errors(), "No valid subject confirmation found")
}

func TestResponseNameID(t *testing.T) {
	r := mustBuildResponse(t, fixtureAt(testConfig(), responseClock))
	nameID, err := r.NameID()
	if err != nil {
		t.Fatalf("NameID: %v", err)
	}
	if nameID != "S1234567A" {
		t.Errorf("NameID = %q, want S1234567A", nameID)
	}
}

func TestResponseTwoFA(t *testing.T) {
	tests := []struct {
		classRef string
		want     bool
	}{
		{ClassRefMobileTwoFactorUnregistered, true},
		{ClassRefTimeSyncToken, true},
		{"urn:oasis:names:tc:SAML:2.0:ac:classes:Password", false},
	}
	for _, tt := range tests {
		fixture := fixtureAt(testConfig(), responseClock)
		fixture.ClassRef = tt.classRef
		r := mustBuildResponse(t, fixture)
		if got := r.TwoFA(); got != tt.want {
			t.Errorf("TwoFA() with %s = %v, want %v", tt.classRef, got, tt.want)
		}
	}
}

func TestResponseAuthnContextClassRefs(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.ClassRef = ClassRefTimeSyncToken
	r := mustBuildResponse(t, fixture)

	refs := r.AuthnContextClassRefs()
	if len(refs) != 1 || refs[0] != ClassRefTimeSyncToken {
		t.Errorf("AuthnContextClassRefs = %v", refs)
	}
}

func TestResponseAttributeValue(t *testing.T) {
	r := mustBuildResponse(t, fixtureAt(testConfig(), responseClock))
	decoded, err := r.AttributeValue()
	if err != nil {
		t.Fatalf("AttributeValue: %v", err)
	}
	if string(decoded) != validAuthAccess {
		t.Errorf("decoded attribute does not round-trip the AuthAccess payload")
	}
}

func TestResponseAttributeValueNotBase64(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.AttributeValue = "not!base64!"
	r := mustBuildResponse(t, fixture)

	if _, err := r.AttributeValue(); err == nil {
		t.Error("expected decode error for invalid base64")
	}
}

func TestResponseValidationFailuresAreNotified(t *testing.T) {
	fixture := fixtureAt(testConfig(), responseClock)
	fixture.Destination = "https://evil.example.com/acs"
	env := parseEnvelopeFixture(t, fixture.render())

	sink := &recordSink{}
	if _, err := newResponse(env, testConfig(), nil, sink, func() time.Time { return responseClock }); err != nil {
		t.Fatalf("newResponse: %v", err)
	}
	if !sink.has(EventResponseValidationFailure) {
		t.Error("expected a response_validation_failure event")
	}
}

func assertHasError(t *testing.T, errs []string, want string) {
	t.Helper()
	for _, msg := range errs {
		if msg == want {
			return
		}
	}
	t.Errorf("missing error %q, got %v", want, errs)
}
