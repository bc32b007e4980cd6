package corppass

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
)

// Authentication context class references CorpPass uses to signal a
// second factor.
const (
	ClassRefMobileTwoFactorUnregistered = "urn:oasis:names:tc:SAML:2.0:ac:classes:MobileTwoFactorUnregistered"
	ClassRefTimeSyncToken               = "urn:oasis:names:tc:SAML:2.0:ac:classes:TimeSyncToken"
)

const bearerConfirmationMethod = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

var twoFAClassRefs = []string{
	ClassRefMobileTwoFactorUnregistered,
	ClassRefTimeSyncToken,
}

// Response wraps a ResolvedEnvelope together with the CorpPass-specific
// validation verdict. Validation runs exactly once, at construction; the
// error list is immutable afterwards.
type Response struct {
	envelope *ResolvedEnvelope
	cfg      *Config
	key      interface{}
	sink     EventSink
	errors   []string
	now      func() time.Time

	nameID         string
	nameIDResolved bool
}

// NewResponse validates the envelope and returns the wrapped response.
// A response with zero assertions is fatal: NewResponse returns a
// *MissingAssertionError instead of recording it.
func NewResponse(envelope *ResolvedEnvelope, cfg *Config, key interface{}, sink EventSink) (*Response, error) {
	return newResponse(envelope, cfg, key, sink, time.Now)
}

func newResponse(envelope *ResolvedEnvelope, cfg *Config, key interface{}, sink EventSink, now func() time.Time) (*Response, error) {
	r := &Response{
		envelope: envelope,
		cfg:      cfg,
		key:      key,
		sink:     sink,
		now:      now,
	}
	if err := r.decryptAssertions(); err != nil {
		return nil, err
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Valid reports whether validation recorded no errors. It does not
// re-validate; validation happened at construction.
func (r *Response) Valid() bool {
	return len(r.errors) == 0
}

// Errors returns the recorded validation errors in check order.
func (r *Response) Errors() []string {
	out := make([]string, len(r.errors))
	copy(out, r.errors)
	return out
}

// Assertion returns the assertion all checks ran against. Validation
// guarantees at least one is present.
func (r *Response) Assertion() *EnvelopeAssertion {
	return r.envelope.Assertions[0]
}

// XML returns the serialized response envelope.
func (r *Response) XML() string {
	return r.envelope.XML()
}

// NameID returns the subject's name identifier, decrypting the EncryptedID
// with the configured key when no plaintext NameID is present. The
// decryption result is memoized.
func (r *Response) NameID() (string, error) {
	if r.nameIDResolved {
		return r.nameID, nil
	}

	assertion := r.Assertion()
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		r.nameID = assertion.Subject.NameID.Value
		r.nameIDResolved = true
		return r.nameID, nil
	}

	if assertion.EncryptedID == nil {
		return "", fmt.Errorf("subject has neither NameID nor EncryptedID")
	}

	plaintext, err := decryptElement(r.key, assertion.EncryptedID)
	if err != nil {
		return "", fmt.Errorf("decrypt EncryptedID: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(plaintext); err != nil {
		return "", fmt.Errorf("parse decrypted NameID: %w", err)
	}
	r.sink.Notify(EventDecryptedID, string(plaintext))

	r.nameID = strings.TrimSpace(doc.Root().Text())
	r.nameIDResolved = true
	return r.nameID, nil
}

// AuthnContextClassRefs returns the class references from every
// authentication statement, in order.
func (r *Response) AuthnContextClassRefs() []string {
	var refs []string
	for _, stmt := range r.Assertion().AuthnStatements {
		if stmt.AuthnContext.AuthnContextClassRef != nil {
			refs = append(refs, stmt.AuthnContext.AuthnContextClassRef.Value)
		}
	}
	return refs
}

// TwoFA reports whether the assertion declares a two-factor authentication
// context.
func (r *Response) TwoFA() bool {
	for _, ref := range r.AuthnContextClassRefs() {
		for _, twofa := range twoFAClassRefs {
			if ref == twofa {
				return true
			}
		}
	}
	return false
}

// AttributeValue returns the base64-decoded content of the first attribute
// value in the assertion's attribute statement. CorpPass delivers the
// AuthAccess payload there.
func (r *Response) AttributeValue() ([]byte, error) {
	assertion := r.Assertion()
	if len(assertion.AttributeStatements) == 0 ||
		len(assertion.AttributeStatements[0].Attributes) == 0 ||
		len(assertion.AttributeStatements[0].Attributes[0].Values) == 0 {
		return nil, fmt.Errorf("assertion carries no attribute value")
	}

	content := assertion.AttributeStatements[0].Attributes[0].Values[0].Value
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return nil, fmt.Errorf("decode attribute value: %w", err)
	}
	return decoded, nil
}

func (r *Response) decryptAssertions() error {
	if len(r.envelope.EncryptedAssertions) == 0 {
		return nil
	}
	if err := r.envelope.DecryptAssertions(r.key); err != nil {
		return &ProtocolError{Err: err}
	}
	if len(r.envelope.Assertions) > 0 {
		r.sink.Notify(EventDecryptedAssertion, r.envelope.Assertions[0].ID)
	}
	return nil
}

func (r *Response) validate() error {
	r.validateDestination()
	r.validateIssuer(r.envelope.Issuer, "<samlp:Response>")
	r.validateSuccess()
	if err := r.validateAssertion(); err != nil {
		return err
	}

	for _, msg := range r.errors {
		r.sink.Notify(EventResponseValidationFailure, msg)
	}
	return nil
}

func (r *Response) validateDestination() {
	destination := r.envelope.Destination
	if destination != "" && destination != r.cfg.ACSURL {
		r.addError(fmt.Sprintf("The destination was %s, but the ACS is at %s", destination, r.cfg.ACSURL))
	}
}

func (r *Response) validateIssuer(issuer, context string) {
	if issuer != "" && issuer != r.cfg.IdPEntity {
		r.addError(fmt.Sprintf("The issuer for %s was %s but the issuer entity expected should be %s",
			context, issuer, r.cfg.IdPEntity))
	}
}

func (r *Response) validateSuccess() {
	if !r.envelope.Success() {
		r.addError("SamlResponse status was not success: " + r.envelope.StatusXML())
	}
}

func (r *Response) validateAssertion() error {
	if len(r.envelope.Assertions) == 0 {
		return &MissingAssertionError{XML: r.envelope.XML()}
	}
	if len(r.envelope.Assertions) > 1 {
		r.addError(fmt.Sprintf("More than one assertions found: %d", len(r.envelope.Assertions)))
	}

	assertion := r.Assertion()
	r.validateIssuer(assertion.Issuer.Value, "<saml:Assertion>")
	r.validateConditions(assertion)
	r.validateSubjectConfirmation(assertion)
	return nil
}

func (r *Response) validateConditions(assertion *EnvelopeAssertion) {
	conditions := assertion.Conditions
	if conditions == nil {
		return
	}

	r.errors = append(r.errors, r.validateTimestamps(conditions.NotBefore, conditions.NotOnOrAfter,
		"saml:Assertion/saml:Conditions")...)
	r.validateAudiences(conditions.AudienceRestrictions)
}

// validateTimestamps checks a validity window against the current UTC time.
// Zero timestamps are treated as absent.
func (r *Response) validateTimestamps(notBefore, notOnOrAfter time.Time, context string) []string {
	now := r.now().UTC()
	var timestampErrors []string
	if !notBefore.IsZero() && now.Before(notBefore) {
		timestampErrors = append(timestampErrors,
			fmt.Sprintf("For %s, time now is %s, and is before %s",
				context, now.Format(time.RFC3339), notBefore.UTC().Format(time.RFC3339)))
	}
	if !notOnOrAfter.IsZero() && !now.Before(notOnOrAfter) {
		timestampErrors = append(timestampErrors,
			fmt.Sprintf("For %s, time now is %s, and is on or after %s",
				context, now.Format(time.RFC3339), notOnOrAfter.UTC().Format(time.RFC3339)))
	}
	return timestampErrors
}

func (r *Response) validateAudiences(restrictions []saml.AudienceRestriction) {
	if len(restrictions) == 0 {
		return
	}
	for _, restriction := range restrictions {
		if restriction.Audience.Value == r.cfg.SPEntity {
			return
		}
	}
	r.addError("Missing SP entity from audiences")
}

// validateSubjectConfirmation accepts the assertion if any bearer
// confirmation names our ACS as recipient inside its validity window.
// CorpPass only does IdP-initiated SSO, so there is no InResponseTo to
// correlate against.
func (r *Response) validateSubjectConfirmation(assertion *EnvelopeAssertion) {
	if assertion.Subject != nil {
		for _, confirmation := range assertion.Subject.SubjectConfirmations {
			if confirmation.Method != bearerConfirmationMethod {
				continue
			}
			data := confirmation.SubjectConfirmationData
			if data == nil || data.Recipient != r.cfg.ACSURL {
				continue
			}
			if len(r.validateTimestamps(time.Time{}, data.NotOnOrAfter, "SubjectConfirmation")) != 0 {
				continue
			}
			return
		}
	}
	r.addError("No valid subject confirmation found")
}

func (r *Response) addError(msg string) {
	r.errors = append(r.errors, msg)
}
