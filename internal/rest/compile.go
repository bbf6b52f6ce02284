package rest

import (
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genproto/googleapis/api/annotations"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Per-segment matchers by captured field type.
var (
	matchString = regexp.MustCompile(`^[^/]+$`)
	matchNumber = regexp.MustCompile(`^-?[0-9]+$`)
)

// CompileService compiles every HTTP rule attached to the service's methods.
// Methods without a rule are skipped. Compilation errors are startup
// failures.
func CompileService(sd protoreflect.ServiceDescriptor) ([]*Binding, error) {
	var bindings []*Binding

	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		md := methods.Get(i)
		compiled, err := CompileMethod(md)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", md.FullName(), err)
		}
		bindings = append(bindings, compiled...)
	}

	return bindings, nil
}

// CompileMethod compiles the HTTP rule on a single method, including any
// additional bindings. A method with no rule yields no bindings.
func CompileMethod(md protoreflect.MethodDescriptor) ([]*Binding, error) {
	opts, ok := md.Options().(*descriptorpb.MethodOptions)
	if !ok || opts == nil {
		return nil, nil
	}
	if !proto.HasExtension(opts, annotations.E_Http) {
		return nil, nil
	}

	rule, ok := proto.GetExtension(opts, annotations.E_Http).(*annotations.HttpRule)
	if !ok || rule == nil {
		return nil, nil
	}

	var bindings []*Binding

	primary, err := compileRule(md, rule)
	if err != nil {
		return nil, err
	}
	bindings = append(bindings, primary)

	for _, extra := range rule.GetAdditionalBindings() {
		b, err := compileRule(md, extra)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}

	return bindings, nil
}

func compileRule(md protoreflect.MethodDescriptor, rule *annotations.HttpRule) (*Binding, error) {
	httpMethod, template, err := rulePattern(rule)
	if err != nil {
		return nil, err
	}

	b := &Binding{
		Method:            md,
		HTTPMethod:        httpMethod,
		Template:          template,
		BodyField:         rule.GetBody(),
		ResponseBodyField: rule.GetResponseBody(),
	}

	consumed := make(map[string]bool) // top-level field names used by path vars

	if err := b.compileTemplate(template, consumed); err != nil {
		return nil, err
	}

	if err := b.compileBody(consumed); err != nil {
		return nil, err
	}

	if err := b.compileResponseBody(); err != nil {
		return nil, err
	}

	b.compileQueryFields(consumed)

	return b, nil
}

func rulePattern(rule *annotations.HttpRule) (method, template string, err error) {
	switch p := rule.GetPattern().(type) {
	case *annotations.HttpRule_Get:
		return "GET", p.Get, nil
	case *annotations.HttpRule_Put:
		return "PUT", p.Put, nil
	case *annotations.HttpRule_Post:
		return "POST", p.Post, nil
	case *annotations.HttpRule_Delete:
		return "DELETE", p.Delete, nil
	case *annotations.HttpRule_Patch:
		return "PATCH", p.Patch, nil
	case *annotations.HttpRule_Custom:
		return "", "", fmt.Errorf("custom HTTP patterns are not supported")
	default:
		return "", "", fmt.Errorf("HTTP rule has no pattern")
	}
}

// compileTemplate parses the path template into segments. Grammar: segments
// separated by "/"; a segment is a literal, "*" (single-segment wildcard,
// no capture), or "{field.path[=pattern]}". Multi-segment captures
// ("{var=foo/*}") and "**" are rejected.
func (b *Binding) compileTemplate(template string, consumed map[string]bool) error {
	if template == "" || !strings.HasPrefix(template, "/") {
		return fmt.Errorf("path template %q must start with /", template)
	}

	input := b.Method.Input()
	pathFields := make(map[string]bool) // full dotted paths, for disjointness

	for _, raw := range splitPath(template) {
		if raw == "**" {
			return fmt.Errorf("multi-segment wildcard ** is not supported in %q", template)
		}
		if raw == "*" {
			b.segments = append(b.segments, segment{wildcard: true})
			continue
		}

		if !strings.HasPrefix(raw, "{") {
			if strings.Contains(raw, "{") || strings.Contains(raw, "}") {
				return fmt.Errorf("malformed segment %q in template %q", raw, template)
			}
			b.segments = append(b.segments, segment{literal: raw})
			continue
		}

		if !strings.HasSuffix(raw, "}") {
			return fmt.Errorf("unclosed variable in segment %q", raw)
		}

		spec := raw[1 : len(raw)-1]
		fieldSpec := spec
		if eq := strings.IndexByte(spec, '='); eq >= 0 {
			pattern := spec[eq+1:]
			fieldSpec = spec[:eq]
			// Nested expansion like {var=foo/*} is reserved.
			if strings.Contains(pattern, "/") || pattern == "**" {
				return fmt.Errorf("multi-segment capture %q is not supported", raw)
			}
			if pattern != "*" {
				return fmt.Errorf("unsupported variable pattern %q in %q", pattern, raw)
			}
		}
		if fieldSpec == "" {
			return fmt.Errorf("empty variable in segment %q", raw)
		}

		fieldPath, err := resolveFieldPath(input, fieldSpec)
		if err != nil {
			return err
		}

		leaf := fieldPath[len(fieldPath)-1]
		seg := segment{fieldPath: fieldPath}

		switch leaf.Kind() {
		case protoreflect.StringKind:
			seg.kind = varString
			seg.matcher = matchString
		case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
			protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
			seg.kind = varInt
			seg.matcher = matchNumber
		case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind,
			protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
			seg.kind = varLong
			seg.matcher = matchNumber
		case protoreflect.EnumKind:
			seg.kind = varEnum
			seg.matcher = enumMatcher(leaf.Enum())
		default:
			return fmt.Errorf("path variable %q has unsupported type %s", fieldSpec, leaf.Kind())
		}

		if pathFields[fieldSpec] {
			return fmt.Errorf("path variable %q captured twice", fieldSpec)
		}
		pathFields[fieldSpec] = true
		consumed[string(fieldPath[0].Name())] = true

		b.segments = append(b.segments, seg)
	}

	return nil
}

func (b *Binding) compileBody(consumed map[string]bool) error {
	switch b.BodyField {
	case "", "*":
		return nil
	}

	fieldPath, err := resolveFieldPath(b.Method.Input(), b.BodyField)
	if err != nil {
		return fmt.Errorf("body selector: %w", err)
	}

	top := string(fieldPath[0].Name())
	if consumed[top] {
		return fmt.Errorf("body field %q overlaps a path variable", b.BodyField)
	}
	consumed[top] = true

	leaf := fieldPath[len(fieldPath)-1]
	if leaf.Kind() != protoreflect.MessageKind || leaf.IsMap() {
		return fmt.Errorf("body field %q must be a message field", b.BodyField)
	}

	b.bodyPath = fieldPath
	return nil
}

func (b *Binding) compileResponseBody() error {
	switch b.ResponseBodyField {
	case "", "*":
		return nil
	}

	fieldPath, err := resolveFieldPath(b.Method.Output(), b.ResponseBodyField)
	if err != nil {
		return fmt.Errorf("response body selector: %w", err)
	}

	b.responsePath = fieldPath
	b.Download = fieldPath[len(fieldPath)-1].Kind() == protoreflect.BytesKind
	return nil
}

// compileQueryFields records every top-level scalar field of the request
// not consumed by path or body as query-parameter eligible, keyed by both
// its proto name and its JSON name.
func (b *Binding) compileQueryFields(consumed map[string]bool) {
	if b.BodyField == "*" {
		return // whole message comes from the body
	}

	b.queryFields = make(map[string]protoreflect.FieldDescriptor)
	fields := b.Method.Input().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if consumed[string(fd.Name())] {
			continue
		}
		if !isScalar(fd) {
			continue
		}
		b.queryFields[string(fd.Name())] = fd
		b.queryFields[fd.JSONName()] = fd
	}
}

func isScalar(fd protoreflect.FieldDescriptor) bool {
	if fd.IsMap() {
		return false
	}
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind, protoreflect.BytesKind:
		return false
	}
	return true
}

// resolveFieldPath walks a dotted field path through message-typed fields,
// returning the descriptor chain. Unknown fields are compile errors.
func resolveFieldPath(msg protoreflect.MessageDescriptor, path string) ([]protoreflect.FieldDescriptor, error) {
	parts := strings.Split(path, ".")
	var chain []protoreflect.FieldDescriptor

	current := msg
	for i, part := range parts {
		fd := current.Fields().ByName(protoreflect.Name(part))
		if fd == nil {
			return nil, fmt.Errorf("unknown field %q in %s", part, current.FullName())
		}
		if fd.Cardinality() == protoreflect.Repeated && i < len(parts)-1 {
			return nil, fmt.Errorf("field %q: cannot traverse repeated field", part)
		}
		chain = append(chain, fd)

		if i < len(parts)-1 {
			if fd.Kind() != protoreflect.MessageKind {
				return nil, fmt.Errorf("field %q is not a message, cannot traverse", part)
			}
			current = fd.Message()
		}
	}

	return chain, nil
}

func enumMatcher(ed protoreflect.EnumDescriptor) *regexp.Regexp {
	values := ed.Values()
	names := make([]string, 0, values.Len())
	for i := 0; i < values.Len(); i++ {
		names = append(names, regexp.QuoteMeta(string(values.Get(i).Name())))
	}
	return regexp.MustCompile(`^(?:` + strings.Join(names, "|") + `)$`)
}
