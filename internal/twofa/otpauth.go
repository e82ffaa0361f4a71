package twofa

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Seed is one authenticator entry extracted from a provisioning URI.
type Seed struct {
	Secret string // base32, no padding
	Issuer string
}

var (
	// ErrNoSeed means the URI carried no usable entry.
	ErrNoSeed = errors.New("twofa: no totp entry in uri")
	// ErrWrongIssuer means entries were found but none belongs to the
	// university SSO.
	ErrWrongIssuer = errors.New("twofa: no university totp entry")
)

// Issuer substrings that identify the university SSO. Matching is
// case-insensitive.
var universityIssuers = []string{"mirea", "rtu", "мирэа", "рту", "keycloak-edu"}

// IsUniversityIssuer reports whether the issuer belongs to the university SSO.
func IsUniversityIssuer(issuer string) bool {
	if issuer == "" {
		return false
	}
	lower := strings.ToLower(issuer)
	for _, p := range universityIssuers {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ParseProvisioningURI extracts the university seed from a decoded QR
// payload. Both plain otpauth://totp/ URIs and otpauth-migration:// exports
// from Google Authenticator are understood.
//
// For exports with several entries the university one wins; a single foreign
// entry is passed through so the caller can decide; several foreign entries
// yield ErrWrongIssuer.
func ParseProvisioningURI(uri string) (Seed, error) {
	switch {
	case strings.HasPrefix(uri, "otpauth-migration://"):
		return parseMigrationURI(uri)
	case strings.HasPrefix(uri, "otpauth://totp/"):
		return parseTOTPURI(uri)
	default:
		return Seed{}, ErrNoSeed
	}
}

func parseTOTPURI(uri string) (Seed, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Seed{}, fmt.Errorf("twofa: parse otpauth uri: %w", err)
	}
	q := parsed.Query()

	secret := q.Get("secret")
	if secret == "" {
		return Seed{}, ErrNoSeed
	}

	issuer := q.Get("issuer")
	if issuer == "" {
		// Label form "Issuer:account" carries the issuer in the path.
		label := strings.TrimPrefix(parsed.Path, "/")
		if idx := strings.Index(label, ":"); idx > 0 {
			issuer = label[:idx]
		}
	}
	return Seed{Secret: strings.TrimRight(secret, "="), Issuer: issuer}, nil
}

func parseMigrationURI(uri string) (Seed, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Seed{}, fmt.Errorf("twofa: parse migration uri: %w", err)
	}
	data := parsed.Query().Get("data")
	if data == "" {
		return Seed{}, ErrNoSeed
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Seed{}, fmt.Errorf("twofa: decode migration payload: %w", err)
	}

	entries, err := parseMigrationPayload(raw)
	if err != nil {
		return Seed{}, err
	}
	if len(entries) == 0 {
		return Seed{}, ErrNoSeed
	}

	for _, e := range entries {
		if IsUniversityIssuer(e.Issuer) {
			return e, nil
		}
	}
	// A single foreign entry is passed through; the caller decides.
	if len(entries) == 1 {
		return entries[0], nil
	}
	return Seed{}, fmt.Errorf("%w: %d entries in export", ErrWrongIssuer, len(entries))
}

// parseMigrationPayload walks the Google Authenticator export message:
// field 1 is a repeated otp_parameters {1: secret bytes, 2: name, 3: issuer}.
func parseMigrationPayload(payload []byte) ([]Seed, error) {
	var entries []Seed
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("twofa: malformed migration payload: %w", protowire.ParseError(n))
		}
		payload = payload[n:]

		if num == 1 && typ == protowire.BytesType {
			param, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, fmt.Errorf("twofa: malformed migration payload: %w", protowire.ParseError(n))
			}
			payload = payload[n:]

			entry, err := parseOTPParameters(param)
			if err != nil {
				return nil, err
			}
			if entry.Secret != "" {
				entries = append(entries, entry)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, payload)
		if n < 0 {
			return nil, fmt.Errorf("twofa: malformed migration payload: %w", protowire.ParseError(n))
		}
		payload = payload[n:]
	}
	return entries, nil
}

func parseOTPParameters(param []byte) (Seed, error) {
	var secret []byte
	var name, issuer string

	for len(param) > 0 {
		num, typ, n := protowire.ConsumeTag(param)
		if n < 0 {
			return Seed{}, fmt.Errorf("twofa: malformed otp parameters: %w", protowire.ParseError(n))
		}
		param = param[n:]

		if typ == protowire.BytesType {
			value, n := protowire.ConsumeBytes(param)
			if n < 0 {
				return Seed{}, fmt.Errorf("twofa: malformed otp parameters: %w", protowire.ParseError(n))
			}
			param = param[n:]
			switch num {
			case 1:
				secret = value
			case 2:
				name = string(value)
			case 3:
				issuer = string(value)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, param)
		if n < 0 {
			return Seed{}, fmt.Errorf("twofa: malformed otp parameters: %w", protowire.ParseError(n))
		}
		param = param[n:]
	}

	if issuer == "" {
		// Sometimes the issuer hides in the name: "MIREA:user@mail.ru".
		if idx := strings.Index(name, ":"); idx > 0 {
			issuer = name[:idx]
		} else {
			issuer = name
		}
	}
	if len(secret) == 0 {
		return Seed{Issuer: issuer}, nil
	}
	return Seed{Secret: b32.EncodeToString(secret), Issuer: issuer}, nil
}
