package protocol

import "fmt"

// ConversionError reports a wire message that cannot be turned into a domain value.
type ConversionError struct {
	From    string
	To      string
	Details string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("Could not convert from `%s` to `%s`: %s", e.From, e.To, e.Details)
}

func conversionError(from, to, format string, args ...interface{}) *ConversionError {
	return &ConversionError{From: from, To: to, Details: fmt.Sprintf(format, args...)}
}

func fieldNotSet(from, to, field string) *ConversionError {
	return conversionError(from, to, "Field '%s' not set", field)
}
