package corppass

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/crewjam/saml/xmlenc"
)

// EnvelopeAssertion is an assertion from a resolved envelope. The parsed
// crewjam structure covers everything except the subject's EncryptedID,
// which is kept as raw XML until the validator needs to decrypt it.
type EnvelopeAssertion struct {
	*saml.Assertion

	// EncryptedID is the subject's encrypted name identifier, if the
	// subject carries no plaintext NameID.
	EncryptedID *etree.Element
}

// ResolvedEnvelope is the raw protocol response obtained from artifact
// resolution. It is owned by the response validator during validation and
// discarded once a Response is produced or a failure is raised.
type ResolvedEnvelope struct {
	ID           string
	InResponseTo string
	Destination  string
	Issuer       string
	Status       saml.Status

	// Assertions holds the plaintext assertions in document order.
	Assertions []*EnvelopeAssertion

	// EncryptedAssertions holds undecrypted assertion blobs. The
	// validator clears this once the blobs are decrypted in place.
	EncryptedAssertions []*etree.Element

	statusEl   *etree.Element
	responseEl *etree.Element
}

// Success reports whether the top-level status code is the SAML success URN.
func (e *ResolvedEnvelope) Success() bool {
	return e.Status.StatusCode.Value == saml.StatusSuccess
}

// StatusXML returns the serialized <samlp:Status> block, for error reporting.
func (e *ResolvedEnvelope) StatusXML() string {
	if e.statusEl == nil {
		return ""
	}
	doc := etree.NewDocument()
	doc.SetRoot(e.statusEl.Copy())
	s, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// XML returns the serialized <samlp:Response> this envelope was parsed from.
func (e *ResolvedEnvelope) XML() string {
	if e.responseEl == nil {
		return ""
	}
	doc := detachWithNamespaces(e.responseEl)
	s, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// ArtifactResolver resolves a SAML artifact into the raw protocol response.
// Implementations must wrap transient transport failures in *NetworkError
// and toolkit-level parse or signature failures in *ProtocolError.
type ArtifactResolver interface {
	Resolve(ctx context.Context, artifact string) (*ResolvedEnvelope, error)
}

const (
	soapNamespace  = "http://schemas.xmlsoap.org/soap/envelope/"
	samlpNamespace = "urn:oasis:names:tc:SAML:2.0:protocol"
	samlNamespace  = "urn:oasis:names:tc:SAML:2.0:assertion"
)

// SOAPArtifactResolver resolves artifacts with one synchronous HTTP POST of a
// SOAP-wrapped <samlp:ArtifactResolve> to the configured resolution endpoint.
type SOAPArtifactResolver struct {
	endpoint string
	issuer   string
	client   *http.Client
	verifier SignatureVerifier
	now      func() time.Time
}

// NewSOAPArtifactResolver builds a resolver from the configuration. The
// verifier checks the ArtifactResponse signature; pass a NoopVerifier only
// in tests.
func NewSOAPArtifactResolver(cfg *Config, verifier SignatureVerifier) *SOAPArtifactResolver {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyAddress != "" {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   fmt.Sprintf("%s:%d", cfg.ProxyAddress, cfg.ProxyPort),
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &SOAPArtifactResolver{
		endpoint: cfg.ArtifactResolutionURL,
		issuer:   cfg.SPEntity,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		verifier: verifier,
		now:      time.Now,
	}
}

// Resolve performs the artifact resolution call and parses the inner
// <samlp:Response> into a ResolvedEnvelope.
func (r *SOAPArtifactResolver) Resolve(ctx context.Context, artifact string) (*ResolvedEnvelope, error) {
	body, err := r.buildResolveRequest(artifact)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "http://www.oasis-open.org/committees/security")

	resp, err := r.client.Do(req)
	if err != nil {
		// client.Do failures are transport-level: timeouts, resets,
		// malformed HTTP responses.
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Err: fmt.Errorf("artifact resolution endpoint returned %s", resp.Status)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	return r.parseResolveResponse(raw)
}

func (r *SOAPArtifactResolver) buildResolveRequest(artifact string) (string, error) {
	doc := etree.NewDocument()
	envelope := doc.CreateElement("soapenv:Envelope")
	envelope.CreateAttr("xmlns:soapenv", soapNamespace)

	body := envelope.CreateElement("soapenv:Body")
	resolve := body.CreateElement("samlp:ArtifactResolve")
	resolve.CreateAttr("xmlns:samlp", samlpNamespace)
	resolve.CreateAttr("xmlns:saml", samlNamespace)
	resolve.CreateAttr("ID", randomMessageID())
	resolve.CreateAttr("Version", "2.0")
	resolve.CreateAttr("IssueInstant", r.now().UTC().Format(time.RFC3339))
	resolve.CreateAttr("Destination", r.endpoint)

	issuer := resolve.CreateElement("saml:Issuer")
	issuer.SetText(r.issuer)

	artifactEl := resolve.CreateElement("samlp:Artifact")
	artifactEl.SetText(artifact)

	return doc.WriteToString()
}

func (r *SOAPArtifactResolver) parseResolveResponse(raw []byte) (*ResolvedEnvelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("parse artifact response: %w", err)}
	}

	bodyEl := findDescendant(doc.Root(), "Body")
	if bodyEl == nil {
		return nil, &ProtocolError{Err: fmt.Errorf("no SOAP Body in artifact response")}
	}

	artifactResponseEl := childElement(bodyEl, "ArtifactResponse")
	if artifactResponseEl == nil {
		return nil, &ProtocolError{Err: fmt.Errorf("no ArtifactResponse in SOAP Body")}
	}

	validated, err := r.verifier.Verify(artifactResponseEl)
	if err != nil {
		return nil, err
	}

	responseEl := childElement(validated, "Response")
	if responseEl == nil {
		return nil, &ProtocolError{Err: fmt.Errorf("no Response in ArtifactResponse")}
	}

	return ParseEnvelope(responseEl)
}

// ParseEnvelope parses a <samlp:Response> element into a ResolvedEnvelope.
func ParseEnvelope(responseEl *etree.Element) (*ResolvedEnvelope, error) {
	env := &ResolvedEnvelope{
		ID:           responseEl.SelectAttrValue("ID", ""),
		InResponseTo: responseEl.SelectAttrValue("InResponseTo", ""),
		Destination:  responseEl.SelectAttrValue("Destination", ""),
		responseEl:   responseEl,
	}

	if issuerEl := childElement(responseEl, "Issuer"); issuerEl != nil {
		env.Issuer = strings.TrimSpace(issuerEl.Text())
	}

	statusEl := childElement(responseEl, "Status")
	if statusEl == nil {
		return nil, &ProtocolError{Err: fmt.Errorf("response has no Status")}
	}
	env.statusEl = statusEl
	if codeEl := childElement(statusEl, "StatusCode"); codeEl != nil {
		env.Status.StatusCode.Value = codeEl.SelectAttrValue("Value", "")
	}

	for _, child := range responseEl.ChildElements() {
		switch child.Tag {
		case "Assertion":
			assertion, err := parseAssertion(child)
			if err != nil {
				return nil, &ProtocolError{Err: err}
			}
			env.Assertions = append(env.Assertions, assertion)
		case "EncryptedAssertion":
			env.EncryptedAssertions = append(env.EncryptedAssertions, child)
		}
	}

	return env, nil
}

// parseAssertion unmarshals an assertion element, keeping the subject's
// EncryptedID aside as raw XML.
func parseAssertion(el *etree.Element) (*EnvelopeAssertion, error) {
	doc := detachWithNamespaces(el)
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize assertion: %w", err)
	}

	assertion := &saml.Assertion{}
	if err := xml.Unmarshal(raw, assertion); err != nil {
		return nil, fmt.Errorf("parse assertion: %w", err)
	}

	parsed := &EnvelopeAssertion{Assertion: assertion}
	if subjectEl := childElement(el, "Subject"); subjectEl != nil {
		parsed.EncryptedID = childElement(subjectEl, "EncryptedID")
	}
	return parsed, nil
}

// DecryptAssertions decrypts the encrypted assertion blobs in place,
// appending the plaintext assertions and clearing the blobs.
func (e *ResolvedEnvelope) DecryptAssertions(key interface{}) error {
	for _, blob := range e.EncryptedAssertions {
		plaintext, err := decryptElement(key, blob)
		if err != nil {
			return err
		}

		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(plaintext); err != nil {
			return fmt.Errorf("parse decrypted assertion: %w", err)
		}
		assertion, err := parseAssertion(doc.Root())
		if err != nil {
			return err
		}
		e.Assertions = append(e.Assertions, assertion)
	}

	e.EncryptedAssertions = nil
	return nil
}

// decryptElement decrypts an EncryptedAssertion or EncryptedID element. The
// EncryptedKey may sit beside the EncryptedData or be embedded within it.
func decryptElement(key interface{}, el *etree.Element) ([]byte, error) {
	encryptedDataEl := childElement(el, "EncryptedData")
	if encryptedDataEl == nil {
		return nil, fmt.Errorf("no EncryptedData element found")
	}

	dataKey := key
	keyEl := childElement(el, "EncryptedKey")
	if keyEl == nil {
		keyEl = findDescendant(encryptedDataEl, "EncryptedKey")
	}
	if keyEl != nil {
		decryptedKey, err := xmlenc.Decrypt(key, keyEl)
		if err != nil {
			return nil, fmt.Errorf("decrypt key: %w", err)
		}
		dataKey = decryptedKey
	}

	plaintext, err := xmlenc.Decrypt(dataKey, encryptedDataEl)
	if err != nil {
		return nil, fmt.Errorf("decrypt data: %w", err)
	}
	return plaintext, nil
}

// childElement returns the first direct child with the given local tag name,
// regardless of namespace prefix.
func childElement(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// findDescendant returns the first descendant with the given local tag name,
// depth first.
func findDescendant(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
		if found := findDescendant(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// detachWithNamespaces copies el into its own document, pulling down any
// namespace declarations inherited from ancestors so the subtree stays
// well formed on its own.
func detachWithNamespaces(el *etree.Element) *etree.Document {
	root := el.Copy()

	declared := map[string]bool{}
	for _, attr := range root.Attr {
		if attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns") {
			declared[attr.Key] = true
		}
	}

	for parent := el.Parent(); parent != nil; parent = parent.Parent() {
		for _, attr := range parent.Attr {
			switch {
			case attr.Space == "xmlns" && !declared[attr.Key]:
				root.CreateAttr("xmlns:"+attr.Key, attr.Value)
				declared[attr.Key] = true
			case attr.Space == "" && attr.Key == "xmlns" && !declared["xmlns"]:
				root.CreateAttr("xmlns", attr.Value)
				declared["xmlns"] = true
			}
		}
	}

	doc := etree.NewDocument()
	doc.SetRoot(root)
	return doc
}

// randomMessageID returns a SAML-safe random message identifier.
func randomMessageID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "_" + hex.EncodeToString(buf)
}
