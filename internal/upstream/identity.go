package upstream

import (
	"fmt"
	"strings"
	"unicode"

	"google.golang.org/protobuf/encoding/protowire"
)

// Identity is the profile the portal returns for the session owner.
//
// GetMeInfo response layout:
//
//	1: wrapper
//	  1: user info
//	    1: uuid
//	    2: first name
//	    3: last name
//	    4: {1: patronymic}
//	    6: email
//	  2: logout URL
type Identity struct {
	UUID       string
	FirstName  string
	LastName   string
	Patronymic string
	Email      string
}

// Empty reports whether the portal returned no usable profile. An authorized
// session always carries at least a name; an empty profile on a 200 response
// means the replayed cookies belong to somebody the portal no longer knows.
func (id Identity) Empty() bool {
	return id.FirstName == "" && id.LastName == ""
}

// FIO returns the full "Фамилия Имя Отчество" form.
func (id Identity) FIO() string {
	return formatFIO(id.FirstName, id.LastName, id.Patronymic, false)
}

// FIOShort returns the "Фамилия И. О." form.
func (id Identity) FIOShort() string {
	return formatFIO(id.FirstName, id.LastName, id.Patronymic, true)
}

func parseIdentity(payload []byte) (Identity, error) {
	wrapper, err := messageField(payload, 1)
	if err != nil {
		return Identity{}, err
	}
	info, err := messageField(wrapper, 1)
	if err != nil {
		return Identity{}, err
	}

	var id Identity
	err = walkFields(info, func(num protowire.Number, value []byte) error {
		switch num {
		case 1:
			id.UUID = string(value)
		case 2:
			id.FirstName = string(value)
		case 3:
			id.LastName = string(value)
		case 4:
			// Patronymic arrives wrapped; a bare string is tolerated.
			if inner, err := messageField(value, 1); err == nil {
				id.Patronymic = string(inner)
			} else {
				id.Patronymic = string(value)
			}
		case 6:
			id.Email = string(value)
		}
		return nil
	})
	return id, err
}

// messageField returns the bytes of the first length-delimited field with the
// given number in payload.
func messageField(payload []byte, want protowire.Number) ([]byte, error) {
	var found []byte
	err := walkFields(payload, func(num protowire.Number, value []byte) error {
		if num == want && found == nil {
			found = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("upstream: field %d missing in response", want)
	}
	return found, nil
}

// walkFields iterates the top-level fields of a protobuf message, invoking fn
// for every length-delimited field. Varint and fixed-width fields are skipped.
func walkFields(payload []byte, fn func(num protowire.Number, value []byte) error) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return fmt.Errorf("upstream: malformed response: %w", protowire.ParseError(n))
		}
		payload = payload[n:]

		switch typ {
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return fmt.Errorf("upstream: malformed response: %w", protowire.ParseError(n))
			}
			if err := fn(num, value); err != nil {
				return err
			}
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return fmt.Errorf("upstream: malformed response: %w", protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}
	return nil
}

// formatFIO renders a name either in full or as "Фамилия И. О.". Non-letter
// noise that occasionally leaks out of the portal profile is dropped.
func formatFIO(first, last, patronymic string, short bool) string {
	first = cleanName(first)
	last = cleanName(last)
	patronymic = cleanName(patronymic)

	if short {
		if last != "" && first != "" {
			r := []rune(first)
			if patronymic != "" {
				p := []rune(patronymic)
				return fmt.Sprintf("%s %c. %c.", last, r[0], p[0])
			}
			return fmt.Sprintf("%s %c.", last, r[0])
		}
		if last != "" {
			return last
		}
		return first
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{last, first, patronymic} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func cleanName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
