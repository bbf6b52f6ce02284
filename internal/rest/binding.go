// Package rest compiles google.api.http annotations on gRPC methods into
// REST bindings and translates matched HTTP requests into backend gRPC
// calls. Compilation happens once at startup; request-path evaluation uses
// only the pre-built matchers and translators.
package rest

import (
	"regexp"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// varKind is the coercion applied to a captured path variable.
type varKind int

const (
	varString varKind = iota
	varInt
	varLong
	varEnum
)

// segment is one compiled element of a path template.
type segment struct {
	literal  string // set for literal segments
	wildcard bool   // single-segment "*", no capture

	// variable capture
	fieldPath []protoreflect.FieldDescriptor // nested through message fields
	kind      varKind
	matcher   *regexp.Regexp
}

func (s *segment) isVariable() bool {
	return len(s.fieldPath) > 0
}

// Binding is a compiled REST method binding: one HTTP rule attached to one
// gRPC method.
type Binding struct {
	Method     protoreflect.MethodDescriptor
	HTTPMethod string
	Template   string

	segments []segment

	// BodyField is "" (no body), "*" (whole request message), or a
	// field path into the request message.
	BodyField string
	bodyPath  []protoreflect.FieldDescriptor

	// ResponseBodyField is "" or "*" (whole response), or a field path.
	ResponseBodyField string
	responsePath      []protoreflect.FieldDescriptor

	// Download marks a binding whose response body selector resolves to a
	// bytes field; responses stream as raw bytes instead of JSON.
	Download bool

	// queryFields maps accepted query keys (proto and JSON names) to the
	// top-level scalar fields not consumed by path or body.
	queryFields map[string]protoreflect.FieldDescriptor
}

// GrpcPath returns the backend path for this binding's method, in
// /package.Service/Method form.
func (b *Binding) GrpcPath() string {
	return "/" + string(b.Method.Parent().FullName()) + "/" + string(b.Method.Name())
}

// MatchPath attempts to match a request path against the template. It
// returns the raw captured variable values in segment order.
func (b *Binding) MatchPath(path string) (values []string, ok bool) {
	parts := splitPath(path)
	if len(parts) != len(b.segments) {
		return nil, false
	}

	for i, seg := range b.segments {
		part := parts[i]
		switch {
		case seg.wildcard:
			if part == "" {
				return nil, false
			}
		case seg.isVariable():
			if !seg.matcher.MatchString(part) {
				return nil, false
			}
			values = append(values, part)
		default:
			if part != seg.literal {
				return nil, false
			}
		}
	}

	return values, true
}

// MatchBinding finds the first binding matching method and path, in declared
// order. When a binding matches the path but not the method, the second
// return collects the methods that would have been accepted, for a 405
// Allow header.
func MatchBinding(bindings []*Binding, method, path string) (*Binding, []string, bool) {
	var allow []string
	for _, b := range bindings {
		if _, ok := b.MatchPath(path); !ok {
			continue
		}
		if b.HTTPMethod == method {
			return b, nil, true
		}
		allow = append(allow, b.HTTPMethod)
	}
	return nil, allow, false
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
