package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/go-playground/validator/v10"
	"google.golang.org/protobuf/proto"
)

// SelfValidator is implemented by requests that check their own invariants.
type SelfValidator interface {
	Validate() error
}

// Validator runs self-validation and struct-tag validation over requests.
type Validator struct {
	validate *validator.Validate
}

var (
	defaultValidator *Validator
	once             sync.Once
)

// Default returns the shared Validator.
func Default() *Validator {
	once.Do(func() {
		defaultValidator = New()
	})
	return defaultValidator
}

// New creates a Validator with the shape tags registered:
// hostname_rfc1123l, ipv4_strict, uuid_canonical, mac_colon, dns_label.
func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	shapes := map[string]func(string) error{
		"hostname_rfc1123l": func(s string) error { _, err := Hostname(s); return err },
		"ipv4_strict":       func(s string) error { _, err := IPv4(s); return err },
		"uuid_canonical":    func(s string) error { _, err := UUID(s); return err },
		"mac_colon":         func(s string) error { _, err := MAC(s); return err },
		"dns_label":         func(s string) error { _, err := Label(s, 0); return err },
	}
	for tag, check := range shapes {
		check := check
		// Registration only fails on an empty tag or nil func.
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			if fl.Field().Kind() != reflect.String {
				return false
			}
			return check(fl.Field().String()) == nil
		})
	}

	return &Validator{validate: v}
}

// Request validates an inbound request. Requests implementing SelfValidator
// are checked first; plain structs are then checked against their tags.
// Protobuf messages carry no validation tags and skip the tag pass.
func (v *Validator) Request(req any) error {
	if req == nil {
		return nil
	}
	if sv, ok := req.(SelfValidator); ok {
		if err := sv.Validate(); err != nil {
			if _, typed := rpcerr.As(err); typed {
				return err
			}
			return fail("request", ReasonFormat, "request", err.Error(), "")
		}
	}
	if _, isProto := req.(proto.Message); isProto {
		return nil
	}
	rv := reflect.ValueOf(req)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return v.Struct(req)
}

// Struct runs tag validation and returns the first failure as a validation
// error.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fail("struct", ReasonType, "request", invalid.Error(), "")
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fail("struct", ReasonFormat, "request", err.Error(), "")
	}

	fe := verrs[0]
	code, reason := describe(fe)
	return fail(ruleForTag(fe.Tag()), code, fe.Field(), reason, fmt.Sprint(fe.Value()))
}

func ruleForTag(tag string) string {
	switch tag {
	case "hostname_rfc1123l":
		return "hostname"
	case "ipv4_strict":
		return "ipv4"
	case "uuid_canonical":
		return "uuid"
	case "mac_colon":
		return "mac"
	case "dns_label":
		return "label"
	default:
		return tag
	}
}

func describe(fe validator.FieldError) (code, reason string) {
	switch fe.Tag() {
	case "required":
		return ReasonEmpty, "field is required"
	case "min", "gte":
		if fe.Kind() == reflect.String {
			return ReasonTooShort, fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return ReasonRange, fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		if fe.Kind() == reflect.String {
			return ReasonTooLong, fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return ReasonRange, fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return ReasonFormat, fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return ReasonFormat, fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
