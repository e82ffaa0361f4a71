// Package auth verifies the identities behind incoming requests: Telegram
// Mini App initData signatures, trusted-service API keys and external
// service tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var ErrInvalidInitData = errors.New("auth: initData verification failed")

// VerifyInitData checks the HMAC signature of a Telegram.WebApp.initData
// string and returns the Telegram user id it carries. The secret key is
// HMAC-SHA256 over the bot token keyed with "WebAppData", per the Bot API
// documentation.
func VerifyInitData(initData, botToken string) (int64, error) {
	params, err := url.ParseQuery(initData)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed query", ErrInvalidInitData)
	}

	receivedHash := params.Get("hash")
	if receivedHash == "" {
		return 0, fmt.Errorf("%w: missing hash", ErrInvalidInitData)
	}
	params.Del("hash")

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}
	checkString := strings.Join(pairs, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(checkString))
	calculated := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(calculated), []byte(receivedHash)) {
		return 0, fmt.Errorf("%w: hash mismatch", ErrInvalidInitData)
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(params.Get("user")), &user); err != nil || user.ID == 0 {
		return 0, fmt.Errorf("%w: no user id", ErrInvalidInitData)
	}
	return user.ID, nil
}

// SignInitData produces a valid initData string for the given parameters.
// Used by tests and local tooling; Telegram is the signer in production.
func SignInitData(params url.Values, botToken string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	signed := url.Values{}
	for k := range params {
		signed.Set(k, params.Get(k))
	}
	signed.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return signed.Encode()
}
