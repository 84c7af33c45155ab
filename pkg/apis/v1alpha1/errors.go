package v1alpha1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// Error taxonomy shared by the shell, the backend and the client. Every
// sentinel has a wire code so errors.Is keeps working across the loopback hop.
var (
	ErrProcessLaunch            = errors.New("backend process failed to launch")
	ErrProcessTimeout           = errors.New("backend process did not become ready in time")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrDuplicateProvider        = errors.New("system already exists")
	ErrUnknownProvider          = errors.New("unknown system")
	ErrProviderHandshake        = errors.New("system handshake failed")
	ErrProviderNotReady         = errors.New("system is not ready")
	ErrResourceNotFound         = errors.New("resource not found")
	ErrInvalidActivationPayload = errors.New("invalid activation payload")
	ErrInvalidConfig            = errors.New("invalid system config")
	ErrUnknownTool              = errors.New("unknown tool")
	ErrUnknownWindow            = errors.New("unknown window")
	ErrSessionFatal             = errors.New("backend session exited unexpectedly")
	ErrRegistryClosed           = errors.New("registry is closed")
)

// Wire error codes.
const (
	CodeProcessLaunch            = "process_launch"
	CodeProcessTimeout           = "process_timeout"
	CodeUnauthorized             = "unauthorized"
	CodeDuplicateProvider        = "duplicate_system"
	CodeUnknownProvider          = "unknown_system"
	CodeProviderHandshake        = "system_handshake"
	CodeProviderNotReady         = "system_not_ready"
	CodeResourceNotFound         = "resource_not_found"
	CodeInvalidActivationPayload = "invalid_activation_payload"
	CodeInvalidConfig            = "invalid_config"
	CodeUnknownTool              = "unknown_tool"
	CodeUnknownWindow            = "unknown_window"
	CodeSessionFatal             = "session_fatal"
	CodeRegistryClosed           = "registry_closed"
	CodeCanceled                 = "canceled"
	CodeDeadlineExceeded         = "deadline_exceeded"
	CodeInternal                 = "internal"
	CodeBadRequest               = "bad_request"
)

// StatusClientClosedRequest is the non-standard status used when the caller
// went away before the response was ready.
const StatusClientClosedRequest = 499

type errorMapping struct {
	err    error
	code   string
	status int
}

var errorMappings = []errorMapping{
	{ErrProcessLaunch, CodeProcessLaunch, http.StatusBadGateway},
	{ErrProcessTimeout, CodeProcessTimeout, http.StatusGatewayTimeout},
	{ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
	{ErrDuplicateProvider, CodeDuplicateProvider, http.StatusConflict},
	{ErrUnknownProvider, CodeUnknownProvider, http.StatusNotFound},
	{ErrProviderHandshake, CodeProviderHandshake, http.StatusBadGateway},
	{ErrProviderNotReady, CodeProviderNotReady, http.StatusConflict},
	{ErrResourceNotFound, CodeResourceNotFound, http.StatusNotFound},
	{ErrInvalidActivationPayload, CodeInvalidActivationPayload, http.StatusBadRequest},
	{ErrInvalidConfig, CodeInvalidConfig, http.StatusBadRequest},
	{ErrUnknownTool, CodeUnknownTool, http.StatusNotFound},
	{ErrUnknownWindow, CodeUnknownWindow, http.StatusNotFound},
	{ErrSessionFatal, CodeSessionFatal, http.StatusServiceUnavailable},
	{ErrRegistryClosed, CodeRegistryClosed, http.StatusServiceUnavailable},
	{context.Canceled, CodeCanceled, StatusClientClosedRequest},
	{context.DeadlineExceeded, CodeDeadlineExceeded, http.StatusGatewayTimeout},
}

// ErrorCode returns the wire code and HTTP status for err.
// Unrecognised errors map to CodeInternal / 500.
func ErrorCode(err error) (string, int) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.code, m.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}

// ErrorForCode returns the sentinel for a wire code, or nil if the code is
// unknown.
func ErrorForCode(code string) error {
	for _, m := range errorMappings {
		if m.code == code {
			return m.err
		}
	}
	return nil
}

// ErrorResponse is the JSON error envelope written by every API. Detail
// carries a partial result when an operation did some work before failing.
type ErrorResponse struct {
	Error  string          `json:"error"`
	Code   string          `json:"code,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}
