package gatt

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine errors. Consumers switch on the kind instead of a
// type per failure context.
type Kind string

const (
	KindConstruction      Kind = "construction"
	KindConnection        Kind = "connection"
	KindConnectionTimeout Kind = "connection_timeout"
	KindDiscovery         Kind = "discovery"
	KindInterfaceMatching Kind = "interface_matching"
	KindQueueUsage        Kind = "queue_usage"
	KindOperation         Kind = "operation"
	KindRequestTimeout    Kind = "request_timeout"
	KindResponse          Kind = "response"
)

// Error is the single error type of the engine. It carries a Kind tag plus
// structured context naming the node the failure belongs to.
type Error struct {
	Kind Kind
	Msg  string

	Device         string
	Service        string
	Characteristic string
	Descriptor     string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}

	var ctx []string
	if e.Device != "" {
		ctx = append(ctx, fmt.Sprintf("device=%s", e.Device))
	}
	if e.Service != "" {
		ctx = append(ctx, fmt.Sprintf("service=%s", e.Service))
	}
	if e.Characteristic != "" {
		ctx = append(ctx, fmt.Sprintf("characteristic=%s", e.Characteristic))
	}
	if e.Descriptor != "" {
		ctx = append(ctx, fmt.Sprintf("descriptor=%s", e.Descriptor))
	}
	if len(ctx) > 0 {
		sb.WriteString(" [")
		sb.WriteString(strings.Join(ctx, ", "))
		sb.WriteString("]")
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is (or wraps) an Error with the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// errf builds an Error with a formatted message.
func errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a GATT resource the link could not resolve.
// Transport implementations return it from lookup calls; the discovery
// engine treats it as "endpoint absent on the physical device".
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // one or more UUIDs, parent first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
