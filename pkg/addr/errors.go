package addr

import (
	"errors"
	"fmt"
)

// ErrInvalidOrganizationID is returned when the url path does not form a
// valid organization id
var ErrInvalidOrganizationID = errors.New("path does not form a valid organization id")

// InvalidURLError wraps a url that could not be parsed at all
type InvalidURLError struct {
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url: %s", e.Reason)
}

// InvalidURLSchemeError is returned on an unexpected scheme
type InvalidURLSchemeError struct {
	Got      string
	Expected string
}

func (e *InvalidURLSchemeError) Error() string {
	return fmt.Sprintf("invalid url scheme %q, expected %q", e.Got, e.Expected)
}

// NotARedirectionError is returned when a http(s) url lacks the /redirect/
// path prefix
type NotARedirectionError struct {
	URL string
}

func (e *NotARedirectionError) Error() string {
	return fmt.Sprintf("url %q is not a redirection", e.URL)
}

// InvalidParamValueError is returned on a malformed query parameter
type InvalidParamValueError struct {
	Param string
	Value string
	Help  string
}

func (e *InvalidParamValueError) Error() string {
	return fmt.Sprintf("invalid value %q for param `%s` (%s)", e.Value, e.Param, e.Help)
}

// DuplicateParamError is returned when a query parameter appears twice
type DuplicateParamError struct {
	Param string
}

func (e *DuplicateParamError) Error() string {
	return fmt.Sprintf("multiple values for param `%s`, only one should be provided", e.Param)
}

// MissingParamError is returned when a mandatory query parameter is absent
type MissingParamError struct {
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing mandatory `%s` param", e.Param)
}

// ShouldNotHaveAPathError is returned when a server address carries a path
type ShouldNotHaveAPathError struct {
	Path string
}

func (e *ShouldNotHaveAPathError) Error() string {
	return fmt.Sprintf("url should not have a path, got %q", e.Path)
}
