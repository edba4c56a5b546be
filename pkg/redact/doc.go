// Package redact masks credential-bearing values before they reach logs,
// audit sinks or error details. A value is sensitive when its field name is
// one of SensitiveFields, compared case-insensitively.
package redact
