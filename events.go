package corppass

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event names emitted at each milestone of the authentication lifecycle.
// Every validation error is emitted as an event before it is surfaced.
const (
	EventLoginSuccess              = "login_success"
	EventLoginFailure              = "login_failure"
	EventNetworkError              = "network_error"
	EventRetryAuthentication       = "retry_authentication"
	EventSamlError                 = "saml_error"
	EventArtifactResolutionFailure = "artifact_resolution_failure"
	EventResponseValidationFailure = "response_validation_failure"
	EventMissingAssertion          = "missing_assertion"
	EventInvalidAuthAccess         = "invalid_auth_access"

	EventSSOIdPInitiatedURL = "sso_idp_initiated_url"
	EventSLORequest         = "slo_request"
	EventSLOResponse        = "slo_response"
	EventSamlResponse       = "saml_response"
	EventStrategyValid      = "strategy_valid"
	EventAuthAccess         = "auth_access"

	EventDecryptedAssertion        = "decrypted_assertion"
	EventDecryptedID               = "decrypted_id"
	EventAuthAccessValidationError = "auth_access_validation_failure"

	EventSkipTimeoutRefresh = "skip_timeout_refresh"
	EventInactivityTimeout  = "inactivity_timeout"
	EventSessionTimeout     = "session_timeout"
)

// EventSink receives lifecycle events. The payload is free-form detail:
// serialized XML, error text, or a short human-readable message.
type EventSink interface {
	Notify(event string, payload string)
}

// NopSink discards all events.
type NopSink struct{}

// Notify discards the event.
func (NopSink) Notify(event, payload string) {}

// eventLevels maps each event to the level it is logged at. Unlisted events
// log at debug.
var eventLevels = map[string]zapcore.Level{
	EventLoginSuccess:      zapcore.InfoLevel,
	EventInactivityTimeout: zapcore.InfoLevel,
	EventSessionTimeout:    zapcore.InfoLevel,

	EventRetryAuthentication: zapcore.WarnLevel,

	EventLoginFailure:              zapcore.ErrorLevel,
	EventNetworkError:              zapcore.ErrorLevel,
	EventSamlError:                 zapcore.ErrorLevel,
	EventArtifactResolutionFailure: zapcore.ErrorLevel,
	EventResponseValidationFailure: zapcore.ErrorLevel,
	EventMissingAssertion:          zapcore.ErrorLevel,
	EventInvalidAuthAccess:         zapcore.ErrorLevel,
	EventAuthAccessValidationError: zapcore.ErrorLevel,
}

// ZapSink logs events through a zap logger, one level per event kind.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates an event sink backed by the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Notify logs the event at its configured level.
func (s *ZapSink) Notify(event, payload string) {
	level, ok := eventLevels[event]
	if !ok {
		level = zapcore.DebugLevel
	}
	if ce := s.logger.Check(level, "corppass event"); ce != nil {
		ce.Write(zap.String("event", event), zap.String("detail", payload))
	}
}
