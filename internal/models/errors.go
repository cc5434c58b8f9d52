package models

import (
	"errors"
	"fmt"
)

// ErrorTag classifies a failure for callers and logs. Tags, not types:
// the HTTP layer maps tags to status codes and safe messages.
type ErrorTag string

const (
	TagValidation         ErrorTag = "validation"
	TagNotFound           ErrorTag = "not_found"
	TagRateLimit          ErrorTag = "rate_limit"
	TagImportInProgress   ErrorTag = "import_in_progress"
	TagQueueFull          ErrorTag = "queue_full"
	TagEngineUnavailable  ErrorTag = "engine_unavailable"
	TagEngineCrash        ErrorTag = "engine_crash"
	TagPersistenceFailed  ErrorTag = "persistence_failed"
	TagFKViolationPreempt ErrorTag = "fk_violation_preempted"
	TagTimeout            ErrorTag = "timeout"
	TagParseError         ErrorTag = "parse_error"
	TagNetwork            ErrorTag = "network"
)

// Retryable reports whether failures with this tag may be retried with backoff.
func (t ErrorTag) Retryable() bool {
	switch t {
	case TagEngineCrash, TagNetwork, TagPersistenceFailed:
		return true
	}
	return false
}

// TaggedError carries a taxonomy tag alongside the underlying cause.
type TaggedError struct {
	Tag ErrorTag
	Err error
}

func (e *TaggedError) Error() string {
	if e.Err == nil {
		return string(e.Tag)
	}
	return fmt.Sprintf("%s: %v", e.Tag, e.Err)
}

func (e *TaggedError) Unwrap() error { return e.Err }

// Tagged wraps err with a taxonomy tag.
func Tagged(tag ErrorTag, err error) error {
	return &TaggedError{Tag: tag, Err: err}
}

// Taggedf wraps a formatted error with a taxonomy tag.
func Taggedf(tag ErrorTag, format string, args ...interface{}) error {
	return &TaggedError{Tag: tag, Err: fmt.Errorf(format, args...)}
}

// TagOf extracts the taxonomy tag from err, walking the wrap chain.
// Untagged errors yield the empty tag.
func TagOf(err error) ErrorTag {
	var te *TaggedError
	if errors.As(err, &te) {
		return te.Tag
	}
	return ""
}
