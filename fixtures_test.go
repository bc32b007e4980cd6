package corppass

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
)

const validAuthAccess = `<AuthAccess>
  <CPID>foobar</CPID>
  <CPAccType>Admin</CPAccType>
  <CPUID>S1234567A</CPUID>
  <CPUID_Country>SG</CPUID_Country>
  <CPUID_DATE>2011-01-15</CPUID_DATE>
  <CPEntID>201000758R</CPEntID>
  <CPEnt_Status>Active</CPEnt_Status>
  <CPEnt_TYPE>UEN</CPEnt_TYPE>
  <ISSPHOLDER>YES</ISSPHOLDER>
  <Result_Set>
    <ESrvc_Row_Count>1</ESrvc_Row_Count>
    <ESrvc_Result>
      <CPESrvcID>BGMYSTERY</CPESrvcID>
      <Auth_Result_Set>
        <Row_Count>2</Row_Count>
        <Row>
          <CPEntID_SUB></CPEntID_SUB>
          <CPRole>Acceptor</CPRole>
          <StartDate>2011-01-15</StartDate>
          <EndDate>2011-01-16</EndDate>
          <Parameter name="foo">bar</Parameter>
          <Parameter name="lorem">ipsum</Parameter>
        </Row>
        <Row>
          <CPEntID_SUB></CPEntID_SUB>
          <CPRole>Viewer</CPRole>
          <StartDate>2012-02-15</StartDate>
          <EndDate>2012-02-16</EndDate>
        </Row>
      </Auth_Result_Set>
    </ESrvc_Result>
  </Result_Set>
</AuthAccess>`

func testConfig() *Config {
	cfg := &Config{
		IdPEntity:              "https://idp.example.com/saml2/idp",
		SPEntity:               "https://sp.example.com/saml2/sp",
		ACSURL:                 "https://sp.example.com/saml/acs",
		ArtifactResolutionURL:  "https://idp.example.com/saml2/artifact",
		SSOIdPInitiatedBaseURL: "https://idp.example.com/sso",
		EserviceID:             "ESRVC-1",
		SLOURLRedirect:         "https://idp.example.com/slo",
		SPSLOURLRedirect:       "https://sp.example.com/slo",
	}
	cfg.SetDefaults()
	return cfg
}

type recordedEvent struct {
	event   string
	payload string
}

// recordSink captures every notified event for assertions.
type recordSink struct {
	events []recordedEvent
}

func (s *recordSink) Notify(event, payload string) {
	s.events = append(s.events, recordedEvent{event: event, payload: payload})
}

func (s *recordSink) has(event string) bool {
	for _, e := range s.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func (s *recordSink) payloads(event string) []string {
	var out []string
	for _, e := range s.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// fakeMetrics counts recorder calls in memory.
type fakeMetrics struct {
	attempts      map[bool]int
	retries       int
	forcedLogouts map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		attempts:      map[bool]int{},
		forcedLogouts: map[string]int{},
	}
}

func (m *fakeMetrics) RecordAuthAttempt(success bool)   { m.attempts[success]++ }
func (m *fakeMetrics) RecordArtifactRetry()             { m.retries++ }
func (m *fakeMetrics) RecordForcedLogout(policy string) { m.forcedLogouts[policy]++ }

// responseFixture renders a <samlp:Response> document for envelope tests.
// All timestamps are RFC3339 strings so individual tests can push them
// around the validator's clock.
type responseFixture struct {
	Destination    string
	ResponseIssuer string
	StatusCode     string

	AssertionIssuer string
	NameID          string

	ConfirmationMethod       string
	Recipient                string
	ConfirmationNotOnOrAfter string

	NotBefore    string
	NotOnOrAfter string
	Audience     string

	ClassRef       string
	AttributeValue string

	OmitAssertion           bool
	ExtraAssertion          bool
	OmitSubjectConfirmation bool
	OmitConditions          bool
}

// fixtureAt builds a fixture that validates cleanly when the validator's
// clock reads now.
func fixtureAt(cfg *Config, now time.Time) responseFixture {
	return responseFixture{
		Destination:              cfg.ACSURL,
		ResponseIssuer:           cfg.IdPEntity,
		StatusCode:               saml.StatusSuccess,
		AssertionIssuer:          cfg.IdPEntity,
		NameID:                   "S1234567A",
		ConfirmationMethod:       bearerConfirmationMethod,
		Recipient:                cfg.ACSURL,
		ConfirmationNotOnOrAfter: now.Add(time.Hour).UTC().Format(time.RFC3339),
		NotBefore:                now.Add(-time.Hour).UTC().Format(time.RFC3339),
		NotOnOrAfter:             now.Add(time.Hour).UTC().Format(time.RFC3339),
		Audience:                 cfg.SPEntity,
		ClassRef:                 ClassRefMobileTwoFactorUnregistered,
		AttributeValue:           base64.StdEncoding.EncodeToString([]byte(validAuthAccess)),
	}
}

func (f responseFixture) render() string {
	var b strings.Builder
	b.WriteString(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"` +
		` xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"` +
		` ID="_response" Version="2.0" IssueInstant="2017-05-10T12:00:00Z"`)
	if f.Destination != "" {
		fmt.Fprintf(&b, ` Destination=%q`, f.Destination)
	}
	b.WriteString(">")
	fmt.Fprintf(&b, `<saml:Issuer>%s</saml:Issuer>`, f.ResponseIssuer)
	fmt.Fprintf(&b, `<samlp:Status><samlp:StatusCode Value=%q/></samlp:Status>`, f.StatusCode)
	if !f.OmitAssertion {
		b.WriteString(f.renderAssertion("_assertion"))
		if f.ExtraAssertion {
			b.WriteString(f.renderAssertion("_assertion2"))
		}
	}
	b.WriteString(`</samlp:Response>`)
	return b.String()
}

func (f responseFixture) renderAssertion(id string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<saml:Assertion ID=%q Version="2.0" IssueInstant="2017-05-10T12:00:00Z">`, id)
	fmt.Fprintf(&b, `<saml:Issuer>%s</saml:Issuer>`, f.AssertionIssuer)

	b.WriteString(`<saml:Subject>`)
	fmt.Fprintf(&b, `<saml:NameID>%s</saml:NameID>`, f.NameID)
	if !f.OmitSubjectConfirmation {
		fmt.Fprintf(&b, `<saml:SubjectConfirmation Method=%q>`, f.ConfirmationMethod)
		fmt.Fprintf(&b, `<saml:SubjectConfirmationData Recipient=%q NotOnOrAfter=%q/>`,
			f.Recipient, f.ConfirmationNotOnOrAfter)
		b.WriteString(`</saml:SubjectConfirmation>`)
	}
	b.WriteString(`</saml:Subject>`)

	if !f.OmitConditions {
		fmt.Fprintf(&b, `<saml:Conditions NotBefore=%q NotOnOrAfter=%q>`, f.NotBefore, f.NotOnOrAfter)
		fmt.Fprintf(&b, `<saml:AudienceRestriction><saml:Audience>%s</saml:Audience></saml:AudienceRestriction>`,
			f.Audience)
		b.WriteString(`</saml:Conditions>`)
	}

	b.WriteString(`<saml:AuthnStatement AuthnInstant="2017-05-10T12:00:00Z">`)
	fmt.Fprintf(&b, `<saml:AuthnContext><saml:AuthnContextClassRef>%s</saml:AuthnContextClassRef></saml:AuthnContext>`,
		f.ClassRef)
	b.WriteString(`</saml:AuthnStatement>`)

	b.WriteString(`<saml:AttributeStatement><saml:Attribute Name="AuthAccess">`)
	fmt.Fprintf(&b, `<saml:AttributeValue>%s</saml:AttributeValue>`, f.AttributeValue)
	b.WriteString(`</saml:Attribute></saml:AttributeStatement>`)

	b.WriteString(`</saml:Assertion>`)
	return b.String()
}

func parseEnvelopeFixture(t *testing.T, xmlStr string) *ResolvedEnvelope {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xmlStr); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	env, err := ParseEnvelope(doc.Root())
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return env
}
