package corppass

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewjam/saml"
)

// ErrSLONotSupported is returned by the stub-logout provider for the SLO
// directions it cannot serve.
var ErrSLONotSupported = errors.New("single logout not supported by this provider")

// Provider builds the outbound CorpPass protocol messages that sit outside
// the artifact login flow: the IdP-initiated SSO URL and single logout.
// The variant is fixed at construction time by Config.SLOEnabled.
type Provider interface {
	// SSOIdPInitiatedURL returns the URL to redirect to for IdP-initiated
	// single sign-on.
	SSOIdPInitiatedURL() (string, error)

	// SLORequestRedirect builds a <LogoutRequest> for the given name ID
	// and the redirect URL carrying it.
	SLORequestRedirect(nameID string) (string, *saml.LogoutRequest, error)

	// SLOResponseRedirect builds a success <LogoutResponse> answering an
	// IdP-initiated logout request, and the redirect URL carrying it.
	SLOResponseRedirect(logoutRequest *saml.LogoutRequest) (string, *saml.LogoutResponse, error)

	// ParseLogoutRequest parses a redirect-bound <LogoutRequest> from
	// the inbound request.
	ParseLogoutRequest(r *http.Request) (*saml.LogoutRequest, error)

	// ParseLogoutResponse parses a redirect-bound <LogoutResponse> from
	// the inbound request.
	ParseLogoutResponse(r *http.Request) (*saml.LogoutResponse, error)
}

// NewProvider selects the provider variant for the configuration: the
// actual SLO exchange when it is enabled, the stub otherwise.
func NewProvider(cfg *Config, sink EventSink) Provider {
	actual := &ActualProvider{cfg: cfg, sink: sink, now: time.Now}
	if cfg.SLOEnabled != nil && !*cfg.SLOEnabled {
		return &StubLogoutProvider{cfg: cfg, sink: sink}
	}
	return actual
}

// ActualProvider talks to the real CorpPass IdP endpoints.
type ActualProvider struct {
	cfg  *Config
	sink EventSink
	now  func() time.Time
}

// SSOIdPInitiatedURL appends the fixed artifact-binding parameters to the
// configured base URL.
func (p *ActualProvider) SSOIdPInitiatedURL() (string, error) {
	u, err := url.Parse(p.cfg.SSOIdPInitiatedBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse sso base url: %w", err)
	}

	// Parameter order is part of the observed CorpPass contract, so the
	// query is assembled by hand rather than through url.Values.
	params := [][2]string{
		{"RequestBinding", "HTTPArtifact"},
		{"ResponseBinding", "HTTPArtifact"},
		{"PartnerId", p.cfg.SPEntity},
		{"Target", p.cfg.SSOTarget},
		{"NameIdFormat", "Email"},
		{"esrvcId", p.cfg.EserviceID},
	}
	var pairs []string
	if u.RawQuery != "" {
		pairs = append(pairs, u.RawQuery)
	}
	for _, kv := range params {
		pairs = append(pairs, url.QueryEscape(kv[0])+"="+url.QueryEscape(kv[1]))
	}
	u.RawQuery = strings.Join(pairs, "&")

	sso := u.String()
	p.sink.Notify(EventSSOIdPInitiatedURL, sso)
	return sso, nil
}

// SLORequestRedirect builds an SP-initiated logout request for nameID.
func (p *ActualProvider) SLORequestRedirect(nameID string) (string, *saml.LogoutRequest, error) {
	logoutRequest := &saml.LogoutRequest{
		ID:           randomMessageID(),
		Version:      "2.0",
		IssueInstant: p.now().UTC(),
		Destination:  p.cfg.SLOURLRedirect,
		Issuer:       &saml.Issuer{Value: p.cfg.SPEntity},
		NameID:       &saml.NameID{Value: nameID},
	}

	raw, err := xml.Marshal(logoutRequest)
	if err != nil {
		return "", nil, fmt.Errorf("marshal logout request: %w", err)
	}
	p.sink.Notify(EventSLORequest, string(raw))

	redirect, err := redirectBindingURL(p.cfg.SLOURLRedirect, "SAMLRequest", raw)
	if err != nil {
		return "", nil, err
	}
	return redirect, logoutRequest, nil
}

// SLOResponseRedirect answers an IdP-initiated logout request with success.
func (p *ActualProvider) SLOResponseRedirect(logoutRequest *saml.LogoutRequest) (string, *saml.LogoutResponse, error) {
	logoutResponse := &saml.LogoutResponse{
		ID:           randomMessageID(),
		InResponseTo: logoutRequest.ID,
		Version:      "2.0",
		IssueInstant: p.now().UTC(),
		Destination:  p.cfg.SLOURLRedirect,
		Issuer:       &saml.Issuer{Value: p.cfg.SPEntity},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
	}

	raw, err := xml.Marshal(logoutResponse)
	if err != nil {
		return "", nil, fmt.Errorf("marshal logout response: %w", err)
	}
	p.sink.Notify(EventSLOResponse, string(raw))

	redirect, err := redirectBindingURL(p.cfg.SLOURLRedirect, "SAMLResponse", raw)
	if err != nil {
		return "", nil, err
	}
	return redirect, logoutResponse, nil
}

// ParseLogoutRequest parses a redirect-bound logout request from the IdP.
func (p *ActualProvider) ParseLogoutRequest(r *http.Request) (*saml.LogoutRequest, error) {
	raw, err := decodeRedirectMessage(r, "SAMLRequest")
	if err != nil {
		return nil, err
	}

	logoutRequest := &saml.LogoutRequest{}
	if err := xml.Unmarshal(raw, logoutRequest); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("parse logout request: %w", err)}
	}
	p.sink.Notify(EventSLORequest, string(raw))
	return logoutRequest, nil
}

// ParseLogoutResponse parses a redirect-bound logout response from the IdP.
func (p *ActualProvider) ParseLogoutResponse(r *http.Request) (*saml.LogoutResponse, error) {
	raw, err := decodeRedirectMessage(r, "SAMLResponse")
	if err != nil {
		return nil, err
	}

	logoutResponse := &saml.LogoutResponse{}
	if err := xml.Unmarshal(raw, logoutResponse); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("parse logout response: %w", err)}
	}
	p.sink.Notify(EventSLOResponse, string(raw))
	return logoutResponse, nil
}

// StubLogoutProvider serves deployments whose IdP offers no SLO endpoint.
// Logout requests short-circuit into a locally minted success response
// aimed at the SP's own logout endpoint; the IdP-initiated directions are
// unsupported.
type StubLogoutProvider struct {
	cfg  *Config
	sink EventSink
}

// SSOIdPInitiatedURL behaves exactly as the actual provider's.
func (p *StubLogoutProvider) SSOIdPInitiatedURL() (string, error) {
	actual := &ActualProvider{cfg: p.cfg, sink: p.sink, now: time.Now}
	return actual.SSOIdPInitiatedURL()
}

// SLORequestRedirect mints a local success response instead of contacting
// the IdP.
func (p *StubLogoutProvider) SLORequestRedirect(nameID string) (string, *saml.LogoutRequest, error) {
	logoutResponse := p.stubLogoutResponse()

	raw, err := xml.Marshal(logoutResponse)
	if err != nil {
		return "", nil, fmt.Errorf("marshal logout response: %w", err)
	}
	p.sink.Notify(EventSLOResponse, string(raw))

	redirect, err := redirectBindingURL(p.cfg.SPSLOURLRedirect, "SAMLResponse", raw)
	if err != nil {
		return "", nil, err
	}
	return redirect, nil, nil
}

// SLOResponseRedirect is not supported without an IdP SLO endpoint.
func (p *StubLogoutProvider) SLOResponseRedirect(logoutRequest *saml.LogoutRequest) (string, *saml.LogoutResponse, error) {
	return "", nil, ErrSLONotSupported
}

// ParseLogoutRequest is not supported without an IdP SLO endpoint.
func (p *StubLogoutProvider) ParseLogoutRequest(r *http.Request) (*saml.LogoutRequest, error) {
	return nil, ErrSLONotSupported
}

// ParseLogoutResponse returns the stub success response without touching
// the request.
func (p *StubLogoutProvider) ParseLogoutResponse(r *http.Request) (*saml.LogoutResponse, error) {
	return p.stubLogoutResponse(), nil
}

func (p *StubLogoutProvider) stubLogoutResponse() *saml.LogoutResponse {
	return &saml.LogoutResponse{
		ID:           "stub-logout",
		InResponseTo: "stub-logout",
		Version:      "2.0",
		IssueInstant: time.Now().UTC(),
		Destination:  p.cfg.SPSLOURLRedirect,
		Issuer:       &saml.Issuer{Value: p.cfg.SPEntity},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
	}
}

// redirectBindingURL DEFLATE-compresses and base64-encodes the message and
// attaches it to the destination URL under the given parameter.
func redirectBindingURL(destination, parameter string, message []byte) (string, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("parse redirect destination: %w", err)
	}

	var deflated bytes.Buffer
	writer, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := writer.Write(message); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	query := u.Query()
	query.Set(parameter, base64.StdEncoding.EncodeToString(deflated.Bytes()))
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// decodeRedirectMessage base64-decodes and inflates a redirect-bound SAML
// message from the request's query or form parameters.
func decodeRedirectMessage(r *http.Request, parameter string) ([]byte, error) {
	encoded := r.URL.Query().Get(parameter)
	if encoded == "" {
		encoded = r.FormValue(parameter)
	}
	if encoded == "" {
		return nil, &ProtocolError{Err: fmt.Errorf("no %s parameter in request", parameter)}
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode %s: %w", parameter, err)}
	}

	raw, err := io.ReadAll(flate.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("inflate %s: %w", parameter, err)}
	}
	return raw, nil
}
