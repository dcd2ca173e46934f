package crm

import (
	"fmt"
	"strings"
)

// BackendType is the closed set of CRM write strategies.
type BackendType string

const (
	BrowserAutomation BackendType = "browser_automation"
	OAuthREST         BackendType = "oauth_rest"
	GenericREST       BackendType = "generic_rest"
)

// Stored tags written by older deployments.
var legacyBackendTags = map[string]BackendType{
	"rpa_web":        BrowserAutomation,
	"salesforce_api": OAuthREST,
	"generic_api":    GenericREST,
}

// ParseBackendType maps a stored tag to a BackendType. Unknown tags are a
// configuration error.
func ParseBackendType(tag string) (BackendType, error) {
	t := strings.ToLower(strings.TrimSpace(tag))
	switch BackendType(t) {
	case BrowserAutomation, OAuthREST, GenericREST:
		return BackendType(t), nil
	}
	if bt, ok := legacyBackendTags[t]; ok {
		return bt, nil
	}
	return "", &Error{Kind: KindConfig, Op: "parse backend type", Err: fmt.Errorf("unsupported CRM backend type %q", tag)}
}

func (b BackendType) String() string { return string(b) }
