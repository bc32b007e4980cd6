package corppass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ArtifactParam is the query or form parameter carrying the SAML artifact
// on the callback from the IdP.
const ArtifactParam = "SAMLart"

// Identity is the outcome of a successful artifact authentication: the
// validated response plus the user extracted from its AuthAccess attribute.
type Identity struct {
	Response *Response
	User     *User
	TwoFA    bool
}

// Strategy drives artifact-binding authentication against CorpPass. A
// request is eligible when it carries an artifact and the session is not
// yet authenticated; Authenticate then resolves the artifact, validates
// the response, and stores the resulting user on the session.
type Strategy struct {
	cfg      *Config
	resolver ArtifactResolver
	key      interface{}
	sink     EventSink
	metrics  MetricsRecorder
	timeout  *TimeoutManager
}

// NewStrategy wires a strategy over the given resolver. key is the SP's
// decryption key for encrypted assertions and name IDs; it may be nil when
// the IdP sends plaintext.
func NewStrategy(cfg *Config, resolver ArtifactResolver, key interface{}, sink EventSink, metrics MetricsRecorder) *Strategy {
	if sink == nil {
		sink = NopSink{}
	}
	if metrics == nil {
		metrics = NewNoopMetricsRecorder()
	}
	return &Strategy{
		cfg:      cfg,
		resolver: resolver,
		key:      key,
		sink:     sink,
		metrics:  metrics,
		timeout:  NewTimeoutManager(cfg, sink, metrics),
	}
}

// Timeout exposes the strategy's timeout manager so the host can run the
// per-request session hooks.
func (s *Strategy) Timeout() *TimeoutManager {
	return s.timeout
}

// Valid reports whether Authenticate should run for this request: the
// session holds no user yet and the request carries a non-empty artifact.
func (s *Strategy) Valid(r *http.Request, sess SessionStore) bool {
	if _, ok := sess.User(); ok {
		return false
	}
	return artifactFrom(r) != ""
}

// Authenticate resolves the request's artifact and validates the returned
// response end to end. On success the user is stored on the session and
// the session-start timestamp is stamped. Every failure is returned as a
// *Failure tagged FailureException; the session is left untouched.
func (s *Strategy) Authenticate(ctx context.Context, r *http.Request, sess SessionStore) (*Identity, error) {
	artifact := artifactFrom(r)
	if artifact == "" {
		return nil, s.fail(fmt.Errorf("no %s parameter in request", ArtifactParam))
	}

	envelope, err := s.resolveArtifact(ctx, artifact)
	if err != nil {
		return nil, s.fail(err)
	}

	if !envelope.Success() {
		s.sink.Notify(EventArtifactResolutionFailure, envelope.StatusXML())
		return nil, s.fail(&ArtifactResolutionError{Envelope: envelope})
	}

	response, err := NewResponse(envelope, s.cfg, s.key, s.sink)
	if err != nil {
		s.notifyResponseError(err)
		return nil, s.fail(err)
	}
	if !response.Valid() {
		s.sink.Notify(EventSamlResponse, response.XML())
		return nil, s.fail(&ResponseValidationError{Messages: response.Errors(), XML: response.XML()})
	}
	s.sink.Notify(EventStrategyValid, response.XML())

	user, err := s.extractUser(response)
	if err != nil {
		return nil, s.fail(err)
	}

	sess.SetUser(user)
	s.timeout.AfterAuthentication(sess)
	s.metrics.RecordAuthAttempt(true)
	s.sink.Notify(EventLoginSuccess, user.ID())

	return &Identity{Response: response, User: user, TwoFA: response.TwoFA()}, nil
}

// resolveArtifact calls the resolver, retrying exactly once, immediately,
// when the first attempt fails with a transient network error. Any other
// error class is terminal on the first attempt.
func (s *Strategy) resolveArtifact(ctx context.Context, artifact string) (*ResolvedEnvelope, error) {
	envelope, err := s.resolver.Resolve(ctx, artifact)
	if err == nil {
		return envelope, nil
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		return nil, err
	}

	s.sink.Notify(EventNetworkError, netErr.Error())
	s.sink.Notify(EventRetryAuthentication, artifact)
	s.metrics.RecordArtifactRetry()

	envelope, err = s.resolver.Resolve(ctx, artifact)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// extractUser decodes the AuthAccess attribute and validates the embedded
// authorization document.
func (s *Strategy) extractUser(response *Response) (*User, error) {
	authAccess, err := response.AttributeValue()
	if err != nil {
		return nil, err
	}
	s.sink.Notify(EventAuthAccess, string(authAccess))

	user := NewUser(authAccess, response.TwoFA(), s.cfg, s.sink)
	if err := user.Validate(); err != nil {
		return nil, err
	}
	return user, nil
}

// notifyResponseError emits the event matching the response construction
// error class.
func (s *Strategy) notifyResponseError(err error) {
	var missingErr *MissingAssertionError
	if errors.As(err, &missingErr) {
		s.sink.Notify(EventMissingAssertion, missingErr.XML)
	}
}

// fail records the failed attempt and wraps err as a terminal failure.
func (s *Strategy) fail(err error) *Failure {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		s.sink.Notify(EventNetworkError, netErr.Error())
	}
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		s.sink.Notify(EventSamlError, protocolErr.Error())
	}
	var invalidErr *InvalidAuthAccessError
	if errors.As(err, &invalidErr) {
		s.sink.Notify(EventInvalidAuthAccess, invalidErr.XML)
	}

	s.metrics.RecordAuthAttempt(false)
	s.sink.Notify(EventLoginFailure, err.Error())
	return NewExceptionFailure(err)
}

// artifactFrom pulls the artifact out of the query string or posted form.
func artifactFrom(r *http.Request) string {
	if v := r.URL.Query().Get(ArtifactParam); v != "" {
		return v
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue(ArtifactParam)
	}
	return ""
}
