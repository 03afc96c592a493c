package commands

import (
	"errors"
	"fmt"
)

// Classification is the categorized reason a command attempt failed.
type Classification string

const (
	ValidationRejected Classification = "validation_rejected"
	CredentialsInvalid Classification = "credentials_invalid"
	AuthExpired        Classification = "auth_expired"
	SessionInvalid     Classification = "session_invalid"
	TransientNetwork   Classification = "transient_network"
	ServerBusy         Classification = "server_busy"
	Exhausted          Classification = "exhausted"
)

// ParseClassification maps a configuration string to a classification.
func ParseClassification(value string) (Classification, error) {
	switch c := Classification(value); c {
	case ValidationRejected, CredentialsInvalid, AuthExpired, SessionInvalid, TransientNetwork, ServerBusy:
		return c, nil
	}
	return "", fmt.Errorf("commands: unknown classification %q", value)
}

// ClassifiedError carries a failure classification.
type ClassifiedError struct {
	Kind       Classification
	Detail     string
	StatusCode int
	Err        error
}

func (e *ClassifiedError) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with a classification.
func Classify(kind Classification, detail string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Detail: detail, Err: err}
}

// ClassificationOf extracts the classification of err.
// Unclassified errors are treated as transient network failures.
func ClassificationOf(err error) Classification {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return TransientNetwork
}

// DetailOf returns a human readable detail for err.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Detail != "" {
			return ce.Detail
		}
		if ce.Err != nil {
			return ce.Err.Error()
		}
		return string(ce.Kind)
	}
	return err.Error()
}
