package upstream

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/mireapprove/backend/internal/model"
)

// recordingJar wraps a standard cookie jar and additionally records every
// cookie the portal sets across all hosts of the SSO redirect chain. The
// standard jar has no enumeration API, and a login leaves cookies on three
// different hosts that all have to be persisted.
type recordingJar struct {
	inner http.CookieJar

	mu   sync.Mutex
	seen map[string]model.Cookie // name|domain|path
}

func newRecordingJar() (*recordingJar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &recordingJar{inner: inner, seen: make(map[string]model.Cookie)}, nil
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	for _, ck := range cookies {
		domain := strings.TrimPrefix(ck.Domain, ".")
		if domain == "" {
			domain = u.Hostname()
		}
		path := ck.Path
		if path == "" {
			path = "/"
		}
		rec := model.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: domain,
			Path:   path,
			Secure: ck.Secure,
		}
		if !ck.Expires.IsZero() {
			exp := ck.Expires
			rec.Expiry = &exp
		}
		if ck.MaxAge < 0 || (ck.MaxAge == 0 && ck.Value == "") {
			delete(j.seen, rec.Name+"|"+rec.Domain+"|"+rec.Path)
		} else {
			j.seen[rec.Name+"|"+rec.Domain+"|"+rec.Path] = rec
		}
	}
	j.mu.Unlock()

	j.inner.SetCookies(u, cookies)
}

func (j *recordingJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// seed loads previously captured cookies so a continuation request replays
// the half-authenticated SSO session.
func (j *recordingJar) seed(cookies []model.Cookie) {
	for _, ck := range cookies {
		domain := strings.TrimPrefix(ck.Domain, ".")
		if domain == "" {
			continue
		}
		u := &url.URL{Scheme: "https", Host: domain, Path: "/"}
		hc := &http.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Path:   ck.Path,
			Secure: ck.Secure,
		}
		if ck.Expiry != nil {
			hc.Expires = *ck.Expiry
		}
		j.SetCookies(u, []*http.Cookie{hc})
	}
}

// snapshot returns every cookie recorded so far, expired ones excluded.
func (j *recordingJar) snapshot() []model.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	out := make([]model.Cookie, 0, len(j.seen))
	for _, ck := range j.seen {
		if ck.Expiry != nil && ck.Expiry.Before(now) {
			continue
		}
		out = append(out, ck)
	}
	return out
}
