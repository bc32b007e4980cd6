package corppass

import (
	"bytes"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Default lifetime policy values, in seconds.
const (
	DefaultTimeout            = 1800
	DefaultSessionMaxLifetime = 86400
)

// Config carries everything the strategy, validator, provider and timeout
// manager need. It is constructed once at startup and passed by reference;
// nothing in this package keeps ambient global state.
type Config struct {
	// IdPEntity is the identity provider entity ID assertions must be
	// issued by.
	IdPEntity string `yaml:"idp_entity"`

	// SPEntity is this service provider's entity ID. It must appear in
	// assertion audience restrictions.
	SPEntity string `yaml:"sp_entity"`

	// ACSURL is the assertion consumer service endpoint. Response
	// destinations and subject confirmation recipients are checked
	// against it.
	ACSURL string `yaml:"acs_url"`

	// ArtifactResolutionURL is the IdP endpoint artifacts are resolved
	// against, selected by ArtifactResolutionIndex at deployment time.
	ArtifactResolutionURL   string `yaml:"artifact_resolution_url"`
	ArtifactResolutionIndex int    `yaml:"artifact_resolution_service_url_index"`

	// IdPCertFile holds the IdP signing certificate(s) used to verify
	// ArtifactResponse signatures.
	IdPCertFile string `yaml:"idp_cert"`

	// DecryptionKeyFile is the SP private key used to decrypt encrypted
	// assertions and encrypted name identifiers.
	DecryptionKeyFile string `yaml:"encryption_key"`

	// Timeout is the inactivity timeout in seconds.
	Timeout int `yaml:"timeout"`

	// SessionMaxLifetime is the absolute session lifetime in seconds.
	SessionMaxLifetime int `yaml:"session_max_lifetime"`

	EserviceID string `yaml:"eservice_id"`

	// SSOTarget is the Target query parameter for IdP-initiated SSO.
	// Defaults to the scheme://host of SPEntity.
	SSOTarget string `yaml:"sso_target"`

	SSOIdPInitiatedBaseURL string `yaml:"sso_idp_initiated_base_url"`

	// SLOEnabled selects the provider variant at construction time. When
	// false the stub-logout provider mints local logout responses instead
	// of talking to the IdP.
	SLOEnabled *bool `yaml:"slo_enabled"`

	// SLOURLRedirect is the IdP single logout endpoint for the
	// HTTP-Redirect binding.
	SLOURLRedirect string `yaml:"slo_url_redirect"`

	// SPSLOURLRedirect is this SP's own single logout endpoint, used by
	// the stub-logout provider as the redirect destination.
	SPSLOURLRedirect string `yaml:"sp_slo_url_redirect"`

	ProxyAddress string `yaml:"proxy_address"`
	ProxyPort    int    `yaml:"proxy_port"`

	// EntityStatusProfile names the accepted entity-status enumeration:
	// "standard" (Active/Suspend/Terminate) or "registry"
	// (Registered/De-Registered/Withdrawn).
	EntityStatusProfile string `yaml:"entity_status_profile"`
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SessionMaxLifetime == 0 {
		c.SessionMaxLifetime = DefaultSessionMaxLifetime
	}
	if c.SLOEnabled == nil {
		enabled := true
		c.SLOEnabled = &enabled
	}
	if c.EntityStatusProfile == "" {
		c.EntityStatusProfile = EntityStatusProfileStandard
	}
	if c.SSOTarget == "" {
		c.SSOTarget = deriveSSOTarget(c.SPEntity)
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.IdPEntity == "" {
		return fmt.Errorf("config: idp_entity is required")
	}
	if c.SPEntity == "" {
		return fmt.Errorf("config: sp_entity is required")
	}
	if c.ACSURL == "" {
		return fmt.Errorf("config: acs_url is required")
	}
	if c.ArtifactResolutionURL == "" {
		return fmt.Errorf("config: artifact_resolution_url is required")
	}
	switch c.EntityStatusProfile {
	case EntityStatusProfileStandard, EntityStatusProfileRegistry:
	default:
		return fmt.Errorf("config: unknown entity_status_profile %q", c.EntityStatusProfile)
	}
	return nil
}

// deriveSSOTarget reduces the SP entity URL to scheme://host[:port],
// dropping default ports.
func deriveSSOTarget(spEntity string) string {
	u, err := url.Parse(spEntity)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return spEntity
	}
	return u.Scheme + "://" + u.Host
}

// LoadConfig reads an environment-keyed YAML configuration file. Top-level
// keys are environment names; the "default" entry is used when the requested
// environment is absent. Unknown keys are rejected.
func LoadConfig(path, environment string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var environments map[string]yaml.Node
	if err := yaml.Unmarshal(data, &environments); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	node, ok := environments[environment]
	if !ok {
		node, ok = environments["default"]
	}
	if !ok {
		return nil, fmt.Errorf("config: no %q or default environment in %s", environment, path)
	}

	cfg := &Config{}
	if err := decodeStrict(&node, cfg); err != nil {
		return nil, fmt.Errorf("config environment %q: %w", environment, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict re-encodes the node and decodes it with KnownFields so that
// unknown configuration keys fail loudly instead of being ignored.
func decodeStrict(node *yaml.Node, out *Config) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}
