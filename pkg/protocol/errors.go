// Package protocol implements the JSON-RPC 1.0 envelope (with the kwparams
// keyword-argument extension) carried between clients and the server, and
// the error taxonomy reported on the wire.
package protocol

import (
	"errors"
	"fmt"
)

// Canonical wire error names. Any other name is a domain error raised by a
// procedure body and propagated verbatim.
const (
	ErrNameDeserialization  = "DeserializationError"
	ErrNameSerialization    = "SerializationError"
	ErrNameInvalidRequest   = "InvalidRequest"
	ErrNameNotifications    = "NotificationsNotImplemented"
	ErrNameNotFound         = "NotFound"
	ErrNameBadArguments     = "BadArguments"
	ErrNameInternal         = "InternalServerError"
)

// WireError is the error object carried in a response envelope. It doubles
// as a Go error so procedure handlers can return one directly to control
// exactly what the client sees.
type WireError struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Errorf builds a WireError with a formatted message.
func Errorf(name, format string, args ...any) *WireError {
	return &WireError{Name: name, Message: fmt.Sprintf(format, args...)}
}

// NewDeserializationError reports a request that could not be parsed.
func NewDeserializationError(body []byte) *WireError {
	return Errorf(ErrNameDeserialization, "request message could not be deserialized: %.200s", string(body))
}

// NewInvalidRequest reports a parseable but malformed request.
func NewInvalidRequest(detail string) *WireError {
	return Errorf(ErrNameInvalidRequest, "malformed request: %s", detail)
}

// NewNotificationsNotImplemented reports a request with a null id.
func NewNotificationsNotImplemented() *WireError {
	return Errorf(ErrNameNotifications, "JSON-RPC notifications are not supported")
}

// NewNotFound reports an absent or access-denied name. The same error is
// used for both cases so clients cannot probe for hidden names.
func NewNotFound(fullName string) *WireError {
	return Errorf(ErrNameNotFound, "RPC-name not found: %s", fullName)
}

// NewBadArguments reports an argument/signature mismatch. The message names
// the method and its public signature.
func NewBadArguments(fullName, signature, given string) *WireError {
	return Errorf(ErrNameBadArguments,
		"given arguments: (%s) don't match %s argument specification: %s",
		given, fullName, signature)
}

// NewInternalServerError reports an opaque server-side fault. Details never
// reach the client.
func NewInternalServerError() *WireError {
	return Errorf(ErrNameInternal, "Internal server error")
}

// AsWireError extracts a WireError from err, or nil if err carries none.
func AsWireError(err error) *WireError {
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	return nil
}
