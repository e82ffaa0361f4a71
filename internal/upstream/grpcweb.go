package upstream

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// gRPC-Web text framing: base64 over [1 byte flags][4 bytes BE length][payload].
// Flag 0x00 is a data frame, 0x80 a trailer frame (grpc-status only).

const (
	frameData    = 0x00
	frameTrailer = 0x80
)

// encodeFrame wraps a protobuf payload into a base64 gRPC-Web-text body.
func encodeFrame(payload []byte) string {
	buf := make([]byte, 5, 5+len(payload))
	buf[0] = frameData
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	buf = append(buf, payload...)
	return base64.StdEncoding.EncodeToString(buf)
}

// decodeFrame strips the gRPC-Web header from a base64 response body and
// returns the protobuf payload. A trailer-only response decodes to nil.
func decodeFrame(body string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: decode grpc-web body: %w", err)
	}
	if len(raw) < 5 {
		return nil, nil
	}
	switch raw[0] {
	case frameTrailer:
		return nil, nil
	case frameData:
		length := binary.BigEndian.Uint32(raw[1:5])
		if length == 0 {
			return nil, nil
		}
		if 5+int(length) <= len(raw) {
			return raw[5 : 5+length], nil
		}
	}
	return raw, nil
}

// encodeTokenMessage builds the request body for attendance-token endpoints:
// a single string field carrying the scanned GUID.
func encodeTokenMessage(token string) string {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.BytesType)
	payload = protowire.AppendString(payload, token)
	return encodeFrame(payload)
}

// identityRequestBody builds the GetMeInfo request: the page the client sits
// on plus a flag requesting the extended profile.
func (c *Client) identityRequestBody() string {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.BytesType)
	payload = protowire.AppendString(payload, c.cfg.AppBaseURL+"/services")
	payload = protowire.AppendTag(payload, 3, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 1)
	return encodeFrame(payload)
}

// extractText pulls the human-readable message out of a response whose schema
// is unknown. The portal replies with Cyrillic UTF-8 strings embedded in the
// protobuf payload; runs of Cyrillic bytes (0xD0/0xD1 lead bytes, spaces,
// hyphens) are collected and deduplicated.
func extractText(body string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return ""
	}
	if len(raw) <= 5 {
		return ""
	}

	var parts []string
	i := 5
	for i < len(raw) {
		if raw[i] != 0xD0 && raw[i] != 0xD1 {
			i++
			continue
		}
		start := i
		for i < len(raw) {
			if (raw[i] == 0xD0 || raw[i] == 0xD1) && i+1 < len(raw) {
				i += 2
			} else if raw[i] == ' ' || raw[i] == '-' {
				i++
			} else {
				break
			}
		}
		if i > start {
			text := strings.TrimSpace(string(raw[start:i]))
			if len([]rune(text)) > 1 && !slices.Contains(parts, text) {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " | ")
}
