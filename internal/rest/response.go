package rest

import (
	"encoding/json"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var (
	responseMarshal = protojson.MarshalOptions{UseProtoNames: false}

	// projectionMarshal always emits the selected member, even at its zero
	// value, so a projection never comes back empty.
	projectionMarshal = protojson.MarshalOptions{UseProtoNames: false, EmitUnpopulated: true}
)

// MarshalResponse projects the response message through the binding's
// response body selector and serializes it. For download bindings the
// selected bytes field is returned raw, typed by the request Accept header;
// otherwise the result is JSON carrying only the selected value.
func (b *Binding) MarshalResponse(msg proto.Message, accept string) (body []byte, contentType string, err error) {
	if len(b.responsePath) == 0 {
		body, err = responseMarshal.Marshal(msg)
		return body, "application/json", err
	}

	current := msg.ProtoReflect()
	for _, fd := range b.responsePath[:len(b.responsePath)-1] {
		current = current.Get(fd).Message()
	}
	leaf := b.responsePath[len(b.responsePath)-1]

	if b.Download {
		return current.Get(leaf).Bytes(), downloadContentType(accept), nil
	}

	// Project a message-valued selection as its own JSON document.
	if leaf.Kind() == protoreflect.MessageKind && !leaf.IsList() && !leaf.IsMap() {
		body, err = responseMarshal.Marshal(current.Get(leaf).Message().Interface())
		return body, "application/json", err
	}

	// Scalar, list and map selections render through the enclosing message
	// so protojson conventions apply, then only the selected member is kept.
	enclosing, err := projectionMarshal.Marshal(current.Interface())
	if err != nil {
		return nil, "", err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(enclosing, &members); err != nil {
		return nil, "", err
	}
	if value, ok := members[leaf.JSONName()]; ok {
		return value, "application/json", nil
	}
	return []byte("null"), "application/json", nil
}

// downloadContentType resolves the download content type from the request
// Accept header. Wildcards and absent headers fall back to octet-stream.
func downloadContentType(accept string) string {
	if i := strings.IndexByte(accept, ','); i >= 0 {
		accept = accept[:i]
	}
	if i := strings.IndexByte(accept, ';'); i >= 0 {
		accept = accept[:i]
	}
	accept = strings.TrimSpace(accept)
	if accept == "" || strings.ContainsRune(accept, '*') {
		return "application/octet-stream"
	}
	return accept
}
