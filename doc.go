// Package corppass implements the service-provider side of CorpPass
// single sign-on: artifact-binding authentication, SAML response
// validation, AuthAccess authorization parsing, session timeout policy,
// and single logout over the redirect binding.
//
// The host application wires a Strategy over a SOAPArtifactResolver and
// calls Authenticate on callback requests carrying a SAMLart parameter.
// Session state lives behind the SessionStore port; CookieSession is the
// bundled JWT-cookie adapter. All notable protocol moments are published
// through an EventSink, with ZapSink as the bundled logger adapter.
package corppass
