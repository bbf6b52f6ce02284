package grpcweb

import (
	"encoding/base64"
	"fmt"
)

// base64Encode encodes one frame as a standalone base64 chunk, per the
// grpc-web-text wire format.
func base64Encode(data []byte) []byte {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	return encoded
}

func base64Decode(data []byte) ([]byte, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(decoded, data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	return decoded[:n], nil
}
