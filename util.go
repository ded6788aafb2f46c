package cagg

import (
	"errors"
	"math"
	"regexp"
	"strings"
)

// Validation errors
var (
	ErrInvalidMetricName = errors.New("invalid metric name")
	ErrInvalidTagKey     = errors.New("invalid tag key")
	ErrInvalidTagValue   = errors.New("invalid tag value")
	ErrInvalidValue      = errors.New("invalid value")
)

// metricNameRegex validates metric names: alphanumeric, underscores, dots, colons
// Must start with a letter or underscore
var metricNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:]*$`)

// tagKeyRegex validates tag keys: alphanumeric and underscores
var tagKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxMetricNameLen is the maximum allowed metric name length
const maxMetricNameLen = 256

// maxTagKeyLen is the maximum allowed tag key length
const maxTagKeyLen = 128

// maxTagValueLen is the maximum allowed tag value length
const maxTagValueLen = 512

// ValidateMetricName validates a metric name.
func ValidateMetricName(name string) error {
	if name == "" {
		return ErrInvalidMetricName
	}
	if len(name) > maxMetricNameLen {
		return ErrInvalidMetricName
	}
	// Check for path traversal attempts
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return ErrInvalidMetricName
	}
	if !metricNameRegex.MatchString(name) {
		return ErrInvalidMetricName
	}
	return nil
}

// ValidateTagKey validates a tag key.
func ValidateTagKey(key string) error {
	if key == "" {
		return ErrInvalidTagKey
	}
	if len(key) > maxTagKeyLen {
		return ErrInvalidTagKey
	}
	if !tagKeyRegex.MatchString(key) {
		return ErrInvalidTagKey
	}
	return nil
}

// ValidateTagValue validates a tag value.
func ValidateTagValue(value string) error {
	if len(value) > maxTagValueLen {
		return ErrInvalidTagValue
	}
	// Check for control characters
	for _, r := range value {
		if r < 32 && r != '\t' {
			return ErrInvalidTagValue
		}
	}
	return nil
}

// ValidateRow validates a row's metric name, tags, and value. NaN and
// infinite values are rejected so partial states stay well-defined.
func ValidateRow(r *Row) error {
	if err := ValidateMetricName(r.Metric); err != nil {
		return err
	}
	for k, v := range r.Tags {
		if err := ValidateTagKey(k); err != nil {
			return err
		}
		if err := ValidateTagValue(v); err != nil {
			return err
		}
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return ErrInvalidValue
	}
	return nil
}
