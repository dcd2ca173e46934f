package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Connection is a configured CRM target.
type Connection struct {
	ID          string
	DisplayName string
	// RawType is the tag as stored; Type is its parsed form. Type is empty
	// when the tag is unknown, and Dispatch rejects it.
	RawType   string
	Type      BackendType
	TargetURL string
	Config    json.RawMessage
	Active    bool
}

// BrowserConfig drives the browser-automation writer. LoginURL comes from the
// connection's target URL.
type BrowserConfig struct {
	LoginURL            string `json:"-" validate:"required,url"`
	LoginUsername       string `json:"loginUsername"`
	LoginPassword       string `json:"loginPassword"`
	LoginSelector       string `json:"loginSelector"`
	PasswordSelector    string `json:"passwordSelector"`
	LoginSubmitSelector string `json:"loginSubmitSelector"`
	SubmitSelector      string `json:"submitSelector"`
	DataEntryURL        string `json:"dataEntryUrl" validate:"omitempty,url"`
	FormSubmitSelector  string `json:"formSubmitSelector"`
}

// LoginSubmit returns the login button locator, preferring the newer key.
func (c BrowserConfig) LoginSubmit() string {
	if s := strings.TrimSpace(c.LoginSubmitSelector); s != "" {
		return s
	}
	return strings.TrimSpace(c.SubmitSelector)
}

// OAuthConfig drives the OAuth-REST writer.
type OAuthConfig struct {
	InstanceURL   string `json:"instanceUrl" validate:"required,url"`
	ClientID      string `json:"clientId" validate:"required"`
	ClientSecret  string `json:"clientSecret" validate:"required"`
	Username      string `json:"username" validate:"required"`
	Password      string `json:"password" validate:"required"`
	SecurityToken string `json:"securityToken"`
	APIVersion    string `json:"apiVersion"`
	ObjectType    string `json:"sfObjectType"`
}

// RESTConfig drives the generic REST writer. URL comes from the connection's
// target URL.
type RESTConfig struct {
	URL               string          `json:"-" validate:"required,url"`
	Method            string          `json:"method" validate:"oneof=POST PUT PATCH"`
	APIKey            string          `json:"apiKey"`
	AuthHeader        string          `json:"authHeader"`
	AdditionalHeaders json.RawMessage `json:"additionalHeaders"`
}

// ExtraHeaders decodes AdditionalHeaders, which may be a JSON object or a
// string holding one. An empty value yields no headers.
func (c RESTConfig) ExtraHeaders() (map[string]string, error) {
	raw := strings.TrimSpace(string(c.AdditionalHeaders))
	if raw == "" || raw == "null" || raw == `""` {
		return nil, nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return nil, nil
		}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Browser decodes and validates the browser-automation config.
func (c Connection) Browser() (BrowserConfig, error) {
	var cfg BrowserConfig
	if err := c.decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.LoginURL = strings.TrimSpace(c.TargetURL)
	cfg.DataEntryURL = strings.TrimSpace(cfg.DataEntryURL)
	cfg.FormSubmitSelector = strings.TrimSpace(cfg.FormSubmitSelector)
	return cfg, c.check(cfg)
}

// OAuth decodes and validates the OAuth-REST config, applying defaults.
func (c Connection) OAuth() (OAuthConfig, error) {
	var cfg OAuthConfig
	if err := c.decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.InstanceURL = strings.TrimRight(strings.TrimSpace(cfg.InstanceURL), "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v58.0"
	}
	if cfg.ObjectType == "" {
		cfg.ObjectType = "Lead"
	}
	return cfg, c.check(cfg)
}

// REST decodes and validates the generic REST config, applying defaults.
func (c Connection) REST() (RESTConfig, error) {
	var cfg RESTConfig
	if err := c.decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.URL = strings.TrimSpace(c.TargetURL)
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	return cfg, c.check(cfg)
}

// Validate checks the typed config for the connection's backend type.
func (c Connection) Validate() error {
	if c.Type == "" {
		_, err := ParseBackendType(c.RawType)
		return err
	}
	var err error
	switch c.Type {
	case BrowserAutomation:
		_, err = c.Browser()
	case OAuthREST:
		_, err = c.OAuth()
	case GenericREST:
		_, err = c.REST()
	}
	return err
}

func (c Connection) decode(dst any) error {
	if len(c.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Config, dst); err != nil {
		return &Error{Kind: KindConfig, Op: "decode connection config", Err: err}
	}
	return nil
}

func (c Connection) check(cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: KindConfig, Op: "validate connection config", Err: err}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch field {
		case "LoginURL", "URL":
			field = "target url"
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "url":
			msgs = append(msgs, field+" must be a valid URL")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s (got %q)", field, fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return &Error{
		Kind: KindConfig,
		Op:   fmt.Sprintf("%s connection %s", c.Type, c.ID),
		Err:  errors.New(strings.Join(msgs, "; ")),
	}
}

var secretKeys = map[string]bool{
	"loginPassword": true,
	"clientSecret":  true,
	"password":      true,
	"securityToken": true,
	"apiKey":        true,
}

// MaskedConfig returns the config with secret values replaced.
func (c Connection) MaskedConfig() map[string]any {
	out := map[string]any{}
	if len(c.Config) == 0 {
		return out
	}
	if err := json.Unmarshal(c.Config, &out); err != nil {
		return map[string]any{}
	}
	for k, v := range out {
		if !secretKeys[k] {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = "********"
	}
	return out
}
