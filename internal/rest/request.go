package rest

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/tracdap/gateway/internal/errors"
)

var requestUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: false}

// BuildRequest translates a matched HTTP request into the method's request
// message. Path variables, body and query parameters populate disjoint
// fields; any coercion failure is a client error.
func (b *Binding) BuildRequest(r *http.Request, pathValues []string) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(b.Method.Input())

	if err := b.applyPathValues(msg, pathValues); err != nil {
		return nil, err
	}

	if err := b.applyBody(msg, r); err != nil {
		return nil, err
	}

	if err := b.applyQuery(msg, r.URL.Query()); err != nil {
		return nil, err
	}

	return msg, nil
}

func (b *Binding) applyPathValues(msg *dynamicpb.Message, values []string) error {
	i := 0
	for _, seg := range b.segments {
		if !seg.isVariable() {
			continue
		}
		if i >= len(values) {
			return errors.ErrInternalServer.WithDetails("path capture count mismatch")
		}

		raw, err := url.PathUnescape(values[i])
		if err != nil {
			raw = values[i]
		}
		i++

		value, err := coerceValue(seg.fieldPath[len(seg.fieldPath)-1], seg.kind, raw)
		if err != nil {
			return errors.ErrBadRequest.WithDetails(err.Error())
		}

		setNestedField(msg, seg.fieldPath, value)
	}
	return nil
}

func (b *Binding) applyBody(msg *dynamicpb.Message, r *http.Request) error {
	if b.BodyField == "" {
		return nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Wrap(err, http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return nil
	}

	if b.BodyField == "*" {
		if err := requestUnmarshal.Unmarshal(body, msg); err != nil {
			return errors.ErrBadRequest.WithDetails(fmt.Sprintf("invalid request body: %v", err))
		}
		return nil
	}

	leaf := b.bodyPath[len(b.bodyPath)-1]
	sub := dynamicpb.NewMessage(leaf.Message())
	if err := requestUnmarshal.Unmarshal(body, sub); err != nil {
		return errors.ErrBadRequest.WithDetails(fmt.Sprintf("invalid request body: %v", err))
	}

	setNestedField(msg, b.bodyPath, protoreflect.ValueOfMessage(sub))
	return nil
}

func (b *Binding) applyQuery(msg *dynamicpb.Message, query url.Values) error {
	for key, values := range query {
		fd, ok := b.queryFields[key]
		if !ok {
			return errors.ErrBadRequest.WithDetails(fmt.Sprintf("unknown query parameter %q", key))
		}

		if fd.IsList() {
			list := msg.Mutable(fd).List()
			for _, raw := range values {
				value, err := coerceScalar(fd, raw)
				if err != nil {
					return errors.ErrBadRequest.WithDetails(err.Error())
				}
				list.Append(value)
			}
			continue
		}

		// Singular field, last value wins.
		value, err := coerceScalar(fd, values[len(values)-1])
		if err != nil {
			return errors.ErrBadRequest.WithDetails(err.Error())
		}
		msg.Set(fd, value)
	}
	return nil
}

// setNestedField walks the descriptor chain, materializing intermediate
// messages, and sets the leaf value.
func setNestedField(msg *dynamicpb.Message, chain []protoreflect.FieldDescriptor, value protoreflect.Value) {
	current := protoreflect.Message(msg)
	for _, fd := range chain[:len(chain)-1] {
		current = current.Mutable(fd).Message()
	}
	current.Set(chain[len(chain)-1], value)
}

// coerceValue converts a captured path value to the field's type. Numeric
// captures are range checked against the declared width.
func coerceValue(fd protoreflect.FieldDescriptor, kind varKind, raw string) (protoreflect.Value, error) {
	switch kind {
	case varString:
		return protoreflect.ValueOfString(raw), nil

	case varInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return protoreflect.Value{}, fmt.Errorf("value %q out of range for field %s", raw, fd.Name())
		}
		if isUnsigned(fd) {
			if n < 0 {
				return protoreflect.Value{}, fmt.Errorf("value %q out of range for field %s", raw, fd.Name())
			}
			return protoreflect.ValueOfUint32(uint32(n)), nil
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case varLong:
		if isUnsigned(fd) {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return protoreflect.Value{}, fmt.Errorf("value %q out of range for field %s", raw, fd.Name())
			}
			return protoreflect.ValueOfUint64(n), nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("value %q out of range for field %s", raw, fd.Name())
		}
		return protoreflect.ValueOfInt64(n), nil

	case varEnum:
		ev := fd.Enum().Values().ByName(protoreflect.Name(raw))
		if ev == nil {
			return protoreflect.Value{}, fmt.Errorf("value %q is not a member of %s", raw, fd.Enum().FullName())
		}
		return protoreflect.ValueOfEnum(ev.Number()), nil
	}

	return protoreflect.Value{}, fmt.Errorf("unsupported path variable kind")
}

// coerceScalar converts a query parameter string to the field's scalar type.
func coerceScalar(fd protoreflect.FieldDescriptor, raw string) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		return protoreflect.ValueOfString(raw), nil

	case protoreflect.BoolKind:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid boolean %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfBool(v), nil

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid integer %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfInt32(int32(v)), nil

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid integer %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfInt64(v), nil

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid integer %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfUint32(uint32(v)), nil

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid integer %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfUint64(v), nil

	case protoreflect.FloatKind:
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid number %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfFloat32(float32(v)), nil

	case protoreflect.DoubleKind:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid number %q for %s", raw, fd.Name())
		}
		return protoreflect.ValueOfFloat64(v), nil

	case protoreflect.EnumKind:
		ev := fd.Enum().Values().ByName(protoreflect.Name(raw))
		if ev == nil {
			return protoreflect.Value{}, fmt.Errorf("value %q is not a member of %s", raw, fd.Enum().FullName())
		}
		return protoreflect.ValueOfEnum(ev.Number()), nil
	}

	return protoreflect.Value{}, fmt.Errorf("unsupported query parameter type for %s", fd.Name())
}

func isUnsigned(fd protoreflect.FieldDescriptor) bool {
	switch fd.Kind() {
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return true
	}
	return false
}
