package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Codec signs and verifies the two stateless bearer credentials: the
// email-possession token handed out after an OTP proof, and the session
// token carried in the session cookie. Verification needs only the secrets
// and the clock.
type Codec struct {
	emailSecret   []byte
	sessionSecret []byte
	emailTTL      time.Duration
	sessionTTL    time.Duration
	now           func() time.Time
}

// NewCodec builds a Codec. A nil now uses time.Now.
func NewCodec(emailSecret, sessionSecret string, emailTTL, sessionTTL time.Duration, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{
		emailSecret:   []byte(emailSecret),
		sessionSecret: []byte(sessionSecret),
		emailTTL:      emailTTL,
		sessionTTL:    sessionTTL,
		now:           now,
	}
}

// EmailTTL is the default email-possession token lifetime.
func (c *Codec) EmailTTL() time.Duration { return c.emailTTL }

// SessionTTL is the absolute session lifetime.
func (c *Codec) SessionTTL() time.Duration { return c.sessionTTL }

// SignEmailToken returns "<millis>:<hex hmac(email:millis)>".
func (c *Codec) SignEmailToken(email string) string {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	return ts + ":" + sign(c.emailSecret, email+":"+ts)
}

// VerifyEmailToken reports whether token was issued for email no longer
// than maxAge ago.
func (c *Codec) VerifyEmailToken(email, token string, maxAge time.Duration) bool {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return false
	}
	ts, sig := parts[0], parts[1]
	if !c.fresh(ts, maxAge) {
		return false
	}
	return equalSig(c.emailSecret, email+":"+ts, sig)
}

// SignSession returns "<userID>.<millis>.<hex hmac(userID.millis)>".
func (c *Codec) SignSession(userID int64) string {
	id := strconv.FormatInt(userID, 10)
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	return id + "." + ts + "." + sign(c.sessionSecret, id+"."+ts)
}

// VerifySession returns the embedded user id only when the token is well
// formed, unexpired and carries a valid signature.
func (c *Codec) VerifySession(token string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, false
	}
	id, ts, sig := parts[0], parts[1], parts[2]
	userID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	if !c.fresh(ts, c.sessionTTL) {
		return 0, false
	}
	if !equalSig(c.sessionSecret, id+"."+ts, sig) {
		return 0, false
	}
	return userID, true
}

func (c *Codec) fresh(ts string, maxAge time.Duration) bool {
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || millis <= 0 {
		return false
	}
	age := c.now().Sub(time.UnixMilli(millis))
	return age >= 0 && age <= maxAge
}

func sign(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func equalSig(secret []byte, msg, sigHex string) bool {
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hmac.Equal(got, mac.Sum(nil))
}
