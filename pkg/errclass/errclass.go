package errclass

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class is the closed failure taxonomy used across the control plane.
type Class string

const (
	ClassSetup        Class = "setup"
	ClassAuth         Class = "auth"
	ClassTransient    Class = "transient"
	ClassInconsistent Class = "inconsistent"
	ClassUnknown      Class = "unknown"
)

// Stable error codes. Low-level failures are normalized into these once
// at the device-executor boundary; classification happens once at the
// orchestration boundary and is never re-derived downstream.
const (
	CodeWGInterfaceNotConfigured = "WG_INTERFACE_NOT_CONFIGURED"
	CodeRouterNodesNotConfigured = "ROUTER_NODES_NOT_CONFIGURED"
	CodeRouterNodesInvalidJSON   = "ROUTER_NODES_INVALID_JSON"
	CodeRouterNodeNotFound       = "ROUTER_NODE_NOT_FOUND"
	CodeRouterNotResolved        = "router_not_resolved"
	CodeMissingIPOrMAC           = "missing_ip_or_mac"

	CodeRouterAuthFailed       = "ROUTER_AUTH_FAILED"
	CodeRouterPermissionDenied = "ROUTER_PERMISSION_DENIED"

	CodeWGCommandFailed       = "WG_COMMAND_FAILED"
	CodeWGListPeersFailed     = "WG_LIST_PEERS_FAILED"
	CodeRouterTimeout         = "ROUTER_TIMEOUT"
	CodeRouterUnreachable     = "ROUTER_UNREACHABLE"
	CodeRouterConnectionReset = "ROUTER_CONNECTION_RESET"
	CodeRouterDNSNotFound     = "ROUTER_DNS_NOT_FOUND"
	CodeRouterProtocolError   = "ROUTER_PROTOCOL_ERROR"

	CodeEventInvalidSchema = "EVENT_INVALID_SCHEMA"
	CodeEventInconsistent  = "EVENT_INCONSISTENT"

	CodeUnknownError = "UNKNOWN_ERROR"
)

var setupCodes = map[string]bool{
	CodeWGInterfaceNotConfigured: true,
	CodeRouterNodesNotConfigured: true,
	CodeRouterNodesInvalidJSON:   true,
	CodeRouterNodeNotFound:       true,
	CodeRouterNotResolved:        true,
	CodeMissingIPOrMAC:           true,
}

var authCodes = map[string]bool{
	CodeRouterAuthFailed:       true,
	CodeRouterPermissionDenied: true,
}

var transientCodes = map[string]bool{
	CodeWGCommandFailed:       true,
	CodeWGListPeersFailed:     true,
	CodeRouterTimeout:         true,
	CodeRouterUnreachable:     true,
	CodeRouterConnectionReset: true,
	CodeRouterDNSNotFound:     true,
	CodeRouterProtocolError:   true,
}

var inconsistentCodes = map[string]bool{
	CodeEventInvalidSchema: true,
	CodeEventInconsistent:  true,
}

// Circuit-open durations applied to setup and auth classifications.
const (
	SetupCircuitOpen = 10 * time.Minute
	AuthCircuitOpen  = 15 * time.Minute
)

// CodedError carries a stable machine code alongside the message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCoded builds a CodedError.
func NewCoded(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// CodeOf extracts the stable code from an error, or "" when it carries none.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Classification is the outcome of classifying a failure.
type Classification struct {
	Class       Class
	Code        string
	Retryable   bool
	OpenCircuit time.Duration // zero unless Class is setup or auth
}

// Classify maps an error onto the closed taxonomy. Rules are checked in
// order; first match wins:
//
//  1. No code: unknown, not retryable.
//  2. Setup-family code: setup, circuit opens 10 minutes.
//  3. Auth code: auth, circuit opens 15 minutes.
//  4. Transient code: retryable, no circuit (backoff handles it).
//  5. Inconsistent code: not retryable.
//  6. Anything else: unknown, not retryable.
func Classify(err error) Classification {
	code := CodeOf(err)
	if code == "" {
		return Classification{Class: ClassUnknown, Code: CodeUnknownError}
	}
	switch {
	case setupCodes[code]:
		return Classification{Class: ClassSetup, Code: code, OpenCircuit: SetupCircuitOpen}
	case authCodes[code]:
		return Classification{Class: ClassAuth, Code: code, OpenCircuit: AuthCircuitOpen}
	case transientCodes[code]:
		return Classification{Class: ClassTransient, Code: code, Retryable: true}
	case inconsistentCodes[code]:
		return Classification{Class: ClassInconsistent, Code: code}
	default:
		return Classification{Class: ClassUnknown, Code: code}
	}
}

// Normalize maps a raw device-executor failure onto the stable code
// vocabulary by inspecting its message. Errors already carrying a code
// in the setup family pass through unchanged.
func Normalize(err error) *CodedError {
	if err == nil {
		return NewCoded(CodeUnknownError, "unknown error")
	}

	if code := CodeOf(err); code != "" {
		if strings.HasPrefix(code, "ROUTER_NODES_") || code == CodeRouterNodeNotFound {
			var coded *CodedError
			errors.As(err, &coded)
			return coded
		}
	}

	msg := strings.ToLower(err.Error())

	// Auth/permission
	switch {
	case strings.Contains(msg, "invalid user"),
		strings.Contains(msg, "password") && strings.Contains(msg, "invalid"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "login failure"),
		strings.Contains(msg, "not logged in"):
		return NewCoded(CodeRouterAuthFailed, err.Error())
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not enough permissions"),
		strings.Contains(msg, "forbidden"):
		return NewCoded(CodeRouterPermissionDenied, err.Error())
	}

	// Network/transient
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return NewCoded(CodeRouterTimeout, err.Error())
	case strings.Contains(msg, "no such host"):
		return NewCoded(CodeRouterDNSNotFound, err.Error())
	case strings.Contains(msg, "connection reset"):
		return NewCoded(CodeRouterConnectionReset, err.Error())
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "unreach"):
		return NewCoded(CodeRouterUnreachable, err.Error())
	}

	// Protocol/response issues
	if strings.Contains(msg, "protocol") || strings.Contains(msg, "bad response") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "parse") {
		return NewCoded(CodeRouterProtocolError, err.Error())
	}

	if code := CodeOf(err); code != "" {
		var coded *CodedError
		errors.As(err, &coded)
		return coded
	}
	return NewCoded(CodeUnknownError, err.Error())
}
