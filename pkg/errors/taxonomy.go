package errors

import (
	"fmt"
	"strings"
)

// MissingCredential reports that no source supplied a value for key.
// remediation is appended verbatim to the message.
func MissingCredential(key, remediation string) *Error {
	msg := fmt.Sprintf("no value found for %s", key)
	if remediation != "" {
		msg += ". " + remediation
	}
	return New(ErrorTypeMissingCredential, msg).WithDetail("key", key)
}

// ObjectNotFound reports a missing object path.
func ObjectNotFound(container, path string, cause error) *Error {
	e := Wrap(cause, ErrorTypeObjectNotFound, fmt.Sprintf("object %s/%s does not exist", container, path))
	if e == nil {
		e = New(ErrorTypeObjectNotFound, fmt.Sprintf("object %s/%s does not exist", container, path))
	}
	return e.WithDetail("container", container).WithDetail("path", path)
}

// Transport reports a connectivity failure while talking to the object store.
func Transport(op, container string, cause error) *Error {
	msg := fmt.Sprintf("%s on container %s failed", op, container)
	e := Wrap(cause, ErrorTypeTransport, msg)
	if e == nil {
		e = New(ErrorTypeTransport, msg)
	}
	return e.WithDetail("operation", op).
		WithDetail("container", container)
}

// UnexpectedResponseShape reports an API payload that is not a list.
// partition is empty for unpartitioned requests.
func UnexpectedResponseShape(partition string, payload []byte) *Error {
	raw := string(payload)
	if len(raw) > 512 {
		raw = raw[:512] + "..."
	}
	var msg string
	if partition != "" {
		msg = fmt.Sprintf("unexpected response format for partition %s: %s", partition, raw)
	} else {
		msg = fmt.Sprintf("unexpected response format: %s", raw)
	}
	return New(ErrorTypeUnexpectedResponseShape, msg).
		WithDetail("partition", partition).
		WithDetail("payload", string(payload))
}

// DriverAttempt records one failed driver negotiation attempt.
type DriverAttempt struct {
	Driver string
	Err    error
}

// NoDriverAvailable aggregates every failed driver attempt into one error.
func NoDriverAvailable(attempts []DriverAttempt, remediation string) *Error {
	names := make([]string, 0, len(attempts))
	for _, a := range attempts {
		names = append(names, a.Driver)
	}

	var b strings.Builder
	b.WriteString("unable to connect to the relational store: no candidate driver succeeded\n")
	b.WriteString("drivers tried: " + strings.Join(names, ", ") + "\n")
	if remediation != "" {
		b.WriteString(remediation + "\n")
	}
	b.WriteString("errors:")
	for _, a := range attempts {
		fmt.Fprintf(&b, "\n- %s: %v", a.Driver, a.Err)
	}

	return New(ErrorTypeNoDriverAvailable, b.String()).
		WithDetail("drivers", names)
}

// ChunkLoadFailure wraps a chunk write error with the table and row range.
func ChunkLoadFailure(table string, start, length int, cause error) *Error {
	end := start + length - 1
	msg := fmt.Sprintf("loading table %s failed (rows %d-%d)", table, start, end)
	e := Wrap(cause, ErrorTypeChunkLoadFailure, msg)
	if e == nil {
		e = New(ErrorTypeChunkLoadFailure, msg)
	}
	return e.
		WithDetail("table", table).
		WithDetail("start", start).
		WithDetail("end", end)
}

// TableNotAllowed reports a table outside the configured allow-list.
func TableNotAllowed(table string) *Error {
	return New(ErrorTypeTableNotAllowed, fmt.Sprintf("table %s is not allowed", table)).
		WithDetail("table", table)
}
