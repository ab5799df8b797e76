package httpcall

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Method is a closed enum over the supported HTTP verbs.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// ErrorPolicy selects the terminal behavior for a retry-eligible failure.
type ErrorPolicy string

const (
	PolicyByComponent ErrorPolicy = "byComponent"
	PolicyRebound     ErrorPolicy = "rebound"
	PolicyThrowError  ErrorPolicy = "throwError"
	PolicyEmit        ErrorPolicy = "emit"
)

// Content types dispatched by the request builder.
const (
	ContentTypeURLEncoded  = "application/x-www-form-urlencoded"
	ContentTypeFormData    = "multipart/form-data"
	ContentTypeOctetStream = "application/octet-stream"
)

// Engine-wide bounds. Values are validated at client construction, before any
// network I/O.
const (
	DefaultTimeout    = 60 * time.Second
	MaxTimeout        = 19 * time.Minute
	MaxDelay          = 19 * time.Minute
	MaxRetriesLimit   = 10
	MaxRedirectsLimit = 10

	DefaultMaxContentLength = 20 * 1024 * 1024  // 20MB
	MaxFileContentLength    = 100 * 1024 * 1024 // 100MB when downloading attachments

	DefaultMaxRetries = 10
)

// followRedirectOff is the configuration value disabling redirect following.
const followRedirectOff = "doNotFollowRedirects"

// HeaderConfig is one declared header; the value is a dynamic expression.
type HeaderConfig struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PairConfig is one declared urlencoded or form-data entry; the value is a
// dynamic expression.
type PairConfig struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BodyConfig declares the request body and its encoding.
type BodyConfig struct {
	ContentType string       `json:"contentType"`
	Raw         string       `json:"raw,omitempty"`
	URLEncoded  []PairConfig `json:"urlencoded,omitempty"`
	FormData    []PairConfig `json:"formData,omitempty"`
}

// ReaderConfig declares the request shape. URL and header values are dynamic
// expressions evaluated against the message.
type ReaderConfig struct {
	Method  Method         `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	URL     string         `json:"url" validate:"required"`
	Headers []HeaderConfig `json:"headers,omitempty"`
	Body    *BodyConfig    `json:"body,omitempty"`
}

// Config is the full per-invocation step configuration. It is supplied fresh
// per invocation and read-only from the engine's point of view.
type Config struct {
	Reader   ReaderConfig `json:"reader"`
	SecretID string       `json:"secretId,omitempty"`

	MaxRetries       int   `json:"maxRetries,omitempty"`
	DelayMS          int64 `json:"delay,omitempty"`
	CallCount        int64 `json:"callCount,omitempty"`
	RequestTimeoutMS int64 `json:"requestTimeoutPeriod,omitempty"`

	ErrorPolicy ErrorPolicy `json:"errorPolicy,omitempty" validate:"omitempty,oneof=byComponent rebound throwError emit"`
	ErrorCodes  string      `json:"errorCodes,omitempty"`

	DontThrowError       bool `json:"dontThrowErrorFlg,omitempty"`
	EnableRebound        bool `json:"enableRebound,omitempty"`
	DownloadAsAttachment bool `json:"downloadAsAttachment,omitempty"`
	UploadFile           bool `json:"uploadFile,omitempty"`
	SplitResult          bool `json:"splitResult,omitempty"`

	FollowRedirect   string `json:"followRedirect,omitempty"`
	NoStrictSSL      bool   `json:"noStrictSSL,omitempty"`
	MaxRedirects     int    `json:"maxRedirects,omitempty"`
	MaxContentLength int64  `json:"maxContentLength,omitempty"`
	MaxBodyLength    int64  `json:"maxBodyLength,omitempty"`
	ResponseEncoding string `json:"responseEncoding,omitempty"`
}

var validate = validator.New()

// ParseConfig loads a step configuration from the raw map the host pipeline
// hands over.
func ParseConfig(raw map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(raw, "."), nil); err != nil {
		return nil, NewConfigError(fmt.Sprintf("failed to load configuration: %v", err), "")
	}
	return unmarshalConfig(k)
}

// ParseConfigJSON loads a step configuration from raw JSON bytes.
func ParseConfigJSON(raw []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), koanfjson.Parser()); err != nil {
		return nil, NewConfigError(fmt.Sprintf("failed to parse configuration: %v", err), "")
	}
	return unmarshalConfig(k)
}

func unmarshalConfig(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, NewConfigError(fmt.Sprintf("failed to unmarshal configuration: %v", err), "")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the declarative shape and the bounded numeric knobs.
// Violations fail with a descriptive configuration error before any I/O.
func (c *Config) Validate() error {
	if c.Reader.URL == "" {
		return NewConfigError("URL is required", "reader.url")
	}
	if c.Reader.Method == "" {
		return NewConfigError("Method is required", "reader.method")
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return NewConfigError(fmt.Sprintf("invalid value for %s (%s)", fe.Namespace(), fe.Tag()), fe.Field())
		}
		return NewConfigError(err.Error(), "")
	}

	maxContent := int64(DefaultMaxContentLength)
	if c.DownloadAsAttachment {
		maxContent = MaxFileContentLength
	}

	if err := checkNumField("Request timeout", c.RequestTimeoutMS, 1, MaxTimeout.Milliseconds()); err != nil {
		return err
	}
	if err := checkNumField("Maximum redirects", int64(c.MaxRedirects), 0, MaxRedirectsLimit); err != nil {
		return err
	}
	if err := checkNumField("Request size limit", c.MaxBodyLength, 1, -1); err != nil {
		return err
	}
	if err := checkNumField("Response size limit", c.MaxContentLength, 1, maxContent); err != nil {
		return err
	}
	if err := checkNumField("Maximum retries", int64(c.MaxRetries), 0, MaxRetriesLimit); err != nil {
		return err
	}
	if err := checkNumField("Delay in ms", c.DelayMS, 0, MaxDelay.Milliseconds()); err != nil {
		return err
	}
	if _, err := ParseErrorCodeRange(c.ErrorCodes); err != nil {
		return err
	}
	return nil
}

// FollowRedirects reports whether the transport should follow 3xx responses.
func (c *Config) FollowRedirects() bool {
	return c.FollowRedirect != followRedirectOff
}

// Timeout returns the effective request timeout.
func (c *Config) Timeout() time.Duration {
	if c.RequestTimeoutMS > 0 {
		return time.Duration(c.RequestTimeoutMS) * time.Millisecond
	}
	return DefaultTimeout
}

// EffectiveMaxRetries returns the retry budget, defaulting when unset.
func (c *Config) EffectiveMaxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

// EffectiveMaxContentLength returns the response size cap.
func (c *Config) EffectiveMaxContentLength() int64 {
	if c.MaxContentLength > 0 {
		return c.MaxContentLength
	}
	if c.DownloadAsAttachment {
		return MaxFileContentLength
	}
	return DefaultMaxContentLength
}

// checkNumField validates a bounded numeric knob. Zero means "unset" and is
// accepted; max < 0 means unbounded above.
func checkNumField(name string, value, minValue, maxValue int64) error {
	if value == 0 {
		return nil
	}
	if value < minValue || (maxValue >= 0 && value > maxValue) {
		upper := "Infinity"
		if maxValue >= 0 {
			upper = fmt.Sprintf("%d", maxValue)
		}
		return NewConfigError(
			fmt.Sprintf("%q must be valid number between %d and %s", name, minValue, upper), "")
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if ve, ok := err.(validator.ValidationErrors); ok {
		*target = ve
		return true
	}
	return false
}
