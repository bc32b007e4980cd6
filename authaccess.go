package corppass

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/lestrrat-go/libxml2"
	"github.com/lestrrat-go/libxml2/xsd"
)

//go:embed AuthAccess.xsd
var authAccessSchema []byte

// AuthAccessRootName is the expected root element of an AuthAccess payload.
const AuthAccessRootName = "AuthAccess"

// Entity-status deployment profiles. The two observed CorpPass payload
// shapes disagree on the status enumeration, so the accepted set is picked
// by configuration.
const (
	EntityStatusProfileStandard = "standard"
	EntityStatusProfileRegistry = "registry"
)

var entityStatusProfiles = map[string][]string{
	EntityStatusProfileStandard: {"Active", "Suspend", "Terminate"},
	EntityStatusProfileRegistry: {"Registered", "De-Registered", "Withdrawn"},
}

// Parameter is a named value attached to an authorization row.
type Parameter struct {
	Name  string
	Value string
}

// AuthResult is a single authorization row for an e-service: the role the
// entity (or sub-entity) holds and its validity window.
type AuthResult struct {
	EntityIDSub string
	Role        string
	StartDate   time.Time
	EndDate     time.Time
	Parameters  []Parameter
}

// EserviceResult groups the authorization rows granted for one e-service,
// together with the row count the payload declared.
type EserviceResult struct {
	EserviceID string
	RowCount   int
	Auths      []AuthResult
}

// User is the decoded AuthAccess payload: the authenticated CorpPass user's
// identity and e-service authorizations. A User is created from the
// assertion's attribute value once per authenticated session; deserializing
// it from the session store performs no re-validation.
type User struct {
	authAccess string
	twoFA      bool
	profile    string
	sink       EventSink

	doc  *etree.Document
	root *etree.Element

	errors    []string
	validated bool
	valid     bool

	eservices       []EserviceResult
	eservicesParsed bool
}

// NewUser builds a User from the raw AuthAccess XML. The two-factor flag
// comes from the response's authentication context, not from the payload.
func NewUser(authAccess []byte, twoFA bool, cfg *Config, sink EventSink) *User {
	u := &User{
		authAccess: string(authAccess),
		twoFA:      twoFA,
		profile:    cfg.EntityStatusProfile,
		sink:       sink,
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(u.authAccess); err == nil && doc.Root() != nil {
		u.doc = doc
		u.root = doc.Root()
	}
	return u
}

// AuthAccess returns the raw XML backing this user.
func (u *User) AuthAccess() string {
	return u.authAccess
}

// TwoFA reports whether the login used a second factor.
func (u *User) TwoFA() bool {
	return u.twoFA
}

// Serialize returns the session-store representation: the raw AuthAccess
// XML and the two-factor flag.
func (u *User) Serialize() (string, bool) {
	return u.authAccess, u.twoFA
}

// DeserializeUser rebuilds a User from its serialized form. The trust
// boundary was crossed at initial authentication, so no validation runs.
func DeserializeUser(authAccess string, twoFA bool, cfg *Config, sink EventSink) *User {
	return NewUser([]byte(authAccess), twoFA, cfg, sink)
}

// Equal reports whether two users carry the same payload and flag.
func (u *User) Equal(other *User) bool {
	return other != nil && u.authAccess == other.authAccess && u.twoFA == other.twoFA
}

// Errors returns the validation errors accumulated by Valid.
func (u *User) Errors() []string {
	out := make([]string, len(u.errors))
	copy(out, u.errors)
	return out
}

// Valid runs the validation pipeline once and reports the verdict. All
// checks run and accumulate errors, except that an unparseable or
// schema-invalid document stops the pipeline: nothing downstream is
// checkable without it.
func (u *User) Valid() bool {
	if u.validated {
		return u.valid
	}
	u.validated = true

	if !u.xmlValid() {
		u.notifyErrors()
		return false
	}
	if !u.xsdValid() {
		u.notifyErrors()
		return false
	}
	u.validRoot()
	u.validEntityStatus()
	u.checkEserviceRowCounts()

	u.notifyErrors()
	u.valid = len(u.errors) == 0
	return u.valid
}

// Validate returns an *InvalidAuthAccessError carrying the error list and
// the raw payload when the user is invalid.
func (u *User) Validate() error {
	if !u.Valid() {
		return &InvalidAuthAccessError{Messages: u.Errors(), XML: u.authAccess}
	}
	return nil
}

func (u *User) notifyErrors() {
	for _, msg := range u.errors {
		u.sink.Notify(EventAuthAccessValidationError, msg)
	}
}

// xmlValid checks well-formedness through libxml2 so the reported parser
// errors match what the schema validator sees.
func (u *User) xmlValid() bool {
	doc, err := libxml2.ParseString(u.authAccess)
	if err != nil {
		u.errors = append(u.errors, "Invalid XML Document: "+err.Error())
		return false
	}
	doc.Free()
	return true
}

func (u *User) xsdValid() bool {
	schema, err := xsd.Parse(authAccessSchema)
	if err != nil {
		u.errors = append(u.errors, "XSD Validation failed: "+err.Error())
		return false
	}
	defer schema.Free()

	doc, err := libxml2.ParseString(u.authAccess)
	if err != nil {
		u.errors = append(u.errors, "Invalid XML Document: "+err.Error())
		return false
	}
	defer doc.Free()

	if err := schema.Validate(doc); err != nil {
		var messages []string
		if sve, ok := err.(xsd.SchemaValidationError); ok {
			for _, e := range sve.Errors() {
				messages = append(messages, e.Error())
			}
		} else {
			messages = append(messages, err.Error())
		}
		u.errors = append(u.errors, "XSD Validation failed: "+strings.Join(messages, "; "))
		return false
	}
	return true
}

func (u *User) validRoot() bool {
	if u.root == nil || u.root.Tag != AuthAccessRootName {
		name := ""
		if u.root != nil {
			name = u.root.Tag
		}
		u.errors = append(u.errors, "Provided XML Document has an invalid root: "+name)
		return false
	}
	return true
}

func (u *User) validEntityStatus() bool {
	status := u.EntityStatus()
	for _, allowed := range entityStatusProfiles[u.profile] {
		if status == allowed {
			return true
		}
	}
	u.errors = append(u.errors, "Invalid Entity Status "+status)
	return false
}

func (u *User) checkEserviceRowCounts() {
	for _, result := range u.eserviceResultElements() {
		authResultSet := childElement(result, "Auth_Result_Set")
		if authResultSet == nil {
			continue
		}
		declared, _ := strconv.Atoi(firstChildText(authResultSet, "Row_Count"))
		found := len(authResultSet.SelectElements("Row"))
		if declared != found {
			u.errors = append(u.errors,
				fmt.Sprintf("%d <Auth_Result_Set> rows was declared, but %d found", declared, found))
		}
	}
}

// ID returns the user-defined CorpPass login ID.
func (u *User) ID() string {
	return u.rootText("CPID")
}

// UserAccountType returns the CorpPass account type.
func (u *User) UserAccountType() string {
	return u.rootText("CPAccType")
}

// UserID returns the NRIC/FIN, or the CorpPass surrogate ID when the user
// has none.
func (u *User) UserID() string {
	return u.rootText("CPUID")
}

// UserIDCountry returns the issuing country of the user ID.
func (u *User) UserIDCountry() string {
	return u.rootText("CPUID_Country")
}

// UserIDDate returns the user ID issue date, or the zero time when absent
// or unparseable.
func (u *User) UserIDDate() time.Time {
	t, err := time.Parse("2006-01-02", u.rootText("CPUID_DATE"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// EntityID returns the registered entity identifier (usually a UEN).
func (u *User) EntityID() string {
	return u.rootText("CPEntID")
}

// EntityStatus returns the entity's registration status.
func (u *User) EntityStatus() string {
	return u.rootText("CPEnt_Status")
}

// EntityType returns the entity identifier type.
func (u *User) EntityType() string {
	return u.rootText("CPEnt_TYPE")
}

// IsSPHolder reports whether the user is also a SingPass holder.
func (u *User) IsSPHolder() bool {
	return strings.EqualFold(u.rootText("ISSPHOLDER"), "yes")
}

// GivenEservicesCount returns the declared number of e-service results.
func (u *User) GivenEservicesCount() int {
	resultSet := u.resultSet()
	if resultSet == nil {
		return 0
	}
	n, _ := strconv.Atoi(firstChildText(resultSet, "ESrvc_Row_Count"))
	return n
}

// Eservices returns every e-service authorization in the payload.
func (u *User) Eservices() []EserviceResult {
	u.parseEservices()
	return u.eservices
}

// EservicesByID returns the e-service authorizations keyed by e-service ID.
func (u *User) EservicesByID() map[string]EserviceResult {
	out := make(map[string]EserviceResult)
	for _, e := range u.Eservices() {
		out[e.EserviceID] = e
	}
	return out
}

// AuthResults returns every authorization row across all e-services, in
// document order.
func (u *User) AuthResults() []AuthResult {
	var out []AuthResult
	for _, e := range u.Eservices() {
		out = append(out, e.Auths...)
	}
	return out
}

// AuthResultsFor returns the authorization rows for one e-service, or nil
// when the payload grants it nothing.
func (u *User) AuthResultsFor(eserviceID string) []AuthResult {
	for _, e := range u.Eservices() {
		if e.EserviceID == eserviceID {
			return e.Auths
		}
	}
	return nil
}

func (u *User) parseEservices() {
	if u.eservicesParsed {
		return
	}
	u.eservicesParsed = true

	for _, result := range u.eserviceResultElements() {
		eservice := EserviceResult{
			EserviceID: firstChildText(result, "CPESrvcID"),
		}
		if authResultSet := childElement(result, "Auth_Result_Set"); authResultSet != nil {
			eservice.RowCount, _ = strconv.Atoi(firstChildText(authResultSet, "Row_Count"))
			for _, row := range authResultSet.SelectElements("Row") {
				eservice.Auths = append(eservice.Auths, parseAuthRow(row))
			}
		}
		u.eservices = append(u.eservices, eservice)
	}
}

func parseAuthRow(row *etree.Element) AuthResult {
	auth := AuthResult{
		EntityIDSub: firstChildText(row, "CPEntID_SUB"),
		Role:        firstChildText(row, "CPRole"),
	}
	auth.StartDate, _ = time.Parse("2006-01-02", firstChildText(row, "StartDate"))
	auth.EndDate, _ = time.Parse("2006-01-02", firstChildText(row, "EndDate"))

	for _, parameter := range row.SelectElements("Parameter") {
		auth.Parameters = append(auth.Parameters, Parameter{
			Name:  parameter.SelectAttrValue("name", ""),
			Value: parameter.Text(),
		})
	}
	return auth
}

func (u *User) resultSet() *etree.Element {
	if u.root == nil {
		return nil
	}
	return childElement(u.root, "Result_Set")
}

func (u *User) eserviceResultElements() []*etree.Element {
	resultSet := u.resultSet()
	if resultSet == nil {
		return nil
	}
	return resultSet.SelectElements("ESrvc_Result")
}

func (u *User) rootText(name string) string {
	if u.root == nil {
		return ""
	}
	return firstChildText(u.root, name)
}

// firstChildText returns the text of the first direct child with the given
// tag, or the empty string when absent.
func firstChildText(el *etree.Element, tag string) string {
	child := childElement(el, tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}
