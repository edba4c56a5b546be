package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/rpcguard/pkg/rpcerr"
)

const (
	MaxHostnameLength = 253
	DefaultLabelMax   = 256
	DefaultStringMin  = 1
	DefaultStringMax  = 1024
	DefaultPortMin    = 1
	DefaultPortMax    = 65535
)

// Reason codes carried in the error context under "reason_code". They are
// stable and low-cardinality so they can label metrics.
const (
	ReasonEmpty    = "empty"
	ReasonTooLong  = "too_long"
	ReasonTooShort = "too_short"
	ReasonFormat   = "invalid_format"
	ReasonRange    = "out_of_range"
	ReasonType     = "invalid_type"
)

// Rule is a named shape check over a single string.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	MaxLen  int
}

// Match reports whether s satisfies the rule's length bound and pattern.
func (r Rule) Match(s string) bool {
	if r.MaxLen > 0 && len(s) > r.MaxLen {
		return false
	}
	return r.Pattern.MatchString(s)
}

var (
	HostnameRule = Rule{
		Name:    "hostname",
		Pattern: regexp.MustCompile(`(?i)^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`),
		MaxLen:  MaxHostnameLength,
	}
	IPv4Rule = Rule{
		Name:    "ipv4",
		Pattern: regexp.MustCompile(`^([0-9]{1,3}\.){3}[0-9]{1,3}$`),
	}
	UUIDRule = Rule{
		Name:    "uuid",
		Pattern: regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`),
	}
	MACRule = Rule{
		Name:    "mac",
		Pattern: regexp.MustCompile(`(?i)^([0-9a-f]{2}:){5}[0-9a-f]{2}$`),
	}
	LabelRule = Rule{
		Name:    "label",
		Pattern: regexp.MustCompile(`(?i)^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`),
		MaxLen:  DefaultLabelMax,
	}
)

func fail(rule, code, field, reason, value string) *rpcerr.Error {
	return rpcerr.WithContext(rpcerr.Validation(field, reason, value), map[string]any{
		"rule":        rule,
		"reason_code": code,
	})
}

// Hostname validates an RFC-1123 style hostname and returns it lowercased.
func Hostname(s string) (string, error) {
	switch {
	case s == "":
		return "", fail("hostname", ReasonEmpty, "hostname", "hostname cannot be empty", s)
	case len(s) > MaxHostnameLength:
		return "", fail("hostname", ReasonTooLong, "hostname",
			fmt.Sprintf("hostname too long (%d > %d)", len(s), MaxHostnameLength), s)
	case !HostnameRule.Match(s):
		return "", fail("hostname", ReasonFormat, "hostname", "invalid hostname format", s)
	}
	return strings.ToLower(s), nil
}

// IPv4 validates a dotted-quad address. Each octet must be in 0..255.
func IPv4(s string) (string, error) {
	if s == "" {
		return "", fail("ipv4", ReasonEmpty, "ip_address", "IP address cannot be empty", s)
	}
	if !IPv4Rule.Match(s) {
		return "", fail("ipv4", ReasonFormat, "ip_address", "invalid IPv4 address format", s)
	}
	for _, octet := range strings.Split(s, ".") {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return "", fail("ipv4", ReasonRange, "ip_address",
				fmt.Sprintf("octet %q out of range 0-255", octet), s)
		}
	}
	return s, nil
}

// UUID validates the canonical 8-4-4-4-12 form and returns it lowercased.
func UUID(s string) (string, error) {
	if s == "" {
		return "", fail("uuid", ReasonEmpty, "uuid", "UUID cannot be empty", s)
	}
	if !UUIDRule.Match(s) {
		return "", fail("uuid", ReasonFormat, "uuid", "invalid UUID format", s)
	}
	return strings.ToLower(s), nil
}

// MAC validates six colon-separated hex pairs and returns them lowercased.
func MAC(s string) (string, error) {
	if s == "" {
		return "", fail("mac", ReasonEmpty, "mac_address", "MAC address cannot be empty", s)
	}
	if !MACRule.Match(s) {
		return "", fail("mac", ReasonFormat, "mac_address", "invalid MAC address format", s)
	}
	return strings.ToLower(s), nil
}

// Label validates a pool, snapshot or similar resource name. maxLen <= 0
// means DefaultLabelMax.
func Label(s string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultLabelMax
	}
	switch {
	case s == "":
		return "", fail("label", ReasonEmpty, "label", "label cannot be empty", s)
	case len(s) > maxLen:
		return "", fail("label", ReasonTooLong, "label",
			fmt.Sprintf("label too long (%d > %d)", len(s), maxLen), s)
	case !LabelRule.Pattern.MatchString(s):
		return "", fail("label", ReasonFormat, "label", "invalid label format", s)
	}
	return strings.ToLower(s), nil
}

// String checks that v is a string whose length is within [min, max].
func String(v any, min, max int) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fail("string", ReasonType, "string",
			fmt.Sprintf("expected string, got %T", v), fmt.Sprint(v))
	}
	if len(s) < min {
		return "", fail("string", ReasonTooShort, "string",
			fmt.Sprintf("string too short (%d < %d)", len(s), min), s)
	}
	if len(s) > max {
		return "", fail("string", ReasonTooLong, "string",
			fmt.Sprintf("string too long (%d > %d)", len(s), max), s)
	}
	return s, nil
}

// Port checks that v is an integer within [min, max].
func Port(v any, min, max int) (int, error) {
	var p int64
	switch n := v.(type) {
	case int:
		p = int64(n)
	case int32:
		p = int64(n)
	case int64:
		p = n
	case uint16:
		p = int64(n)
	case uint32:
		p = int64(n)
	default:
		return 0, fail("port", ReasonType, "port",
			fmt.Sprintf("expected integer, got %T", v), fmt.Sprint(v))
	}
	if p < int64(min) || p > int64(max) {
		return 0, fail("port", ReasonRange, "port",
			fmt.Sprintf("port must be between %d and %d", min, max), strconv.FormatInt(p, 10))
	}
	return int(p), nil
}
