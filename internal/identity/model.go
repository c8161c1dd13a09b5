package identity

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// Roles.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Account types.
const (
	AccountPersonal = "personal"
	AccountBusiness = "business"
)

// ErrInvalidEmail is returned by NormalizeEmail.
var ErrInvalidEmail = errors.New("invalid email address")

// Coordinates is a WGS84 position in degrees.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Identity is a registered account. A verified identity always carries
// both address and selfie coordinates.
type Identity struct {
	ID            int64
	Email         string
	PINHash       []byte
	PINSalt       []byte
	DisplayName   string
	Address       string
	AddressCoords *Coordinates
	SelfieCoords  *Coordinates
	SelfieURL     string
	Verified      bool
	VerifiedAt    *time.Time
	Role          string
	Banned        bool
	AccountType   string

	BusinessName     string
	BusinessCategory string
	BusinessPhone    string
	BusinessWebsite  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCredential reports whether a PIN has been set.
func (i Identity) HasCredential() bool {
	return len(i.PINHash) > 0
}

// IsComplete reports whether the account finished signup, selfie
// included. Any other stored row is partial and may be taken over by a
// signup retry.
func (i Identity) IsComplete() bool {
	return i.HasCredential() && i.Verified && i.SelfieURL != ""
}

// Clone returns a deep copy so snapshots are not aliased by later edits.
func (i Identity) Clone() Identity {
	out := i
	out.PINHash = append([]byte(nil), i.PINHash...)
	out.PINSalt = append([]byte(nil), i.PINSalt...)
	if i.AddressCoords != nil {
		c := *i.AddressCoords
		out.AddressCoords = &c
	}
	if i.SelfieCoords != nil {
		c := *i.SelfieCoords
		out.SelfieCoords = &c
	}
	if i.VerifiedAt != nil {
		t := *i.VerifiedAt
		out.VerifiedAt = &t
	}
	return out
}

// Profile is the client-facing view of an identity.
type Profile struct {
	ID               int64      `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"displayName"`
	Address          string     `json:"address,omitempty"`
	SelfieURL        string     `json:"selfieUrl,omitempty"`
	Verified         bool       `json:"verified"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
	Role             string     `json:"role"`
	AccountType      string     `json:"accountType"`
	BusinessName     string     `json:"businessName,omitempty"`
	BusinessCategory string     `json:"businessCategory,omitempty"`
	BusinessPhone    string     `json:"businessPhone,omitempty"`
	BusinessWebsite  string     `json:"businessWebsite,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Profile projects the identity for API responses.
func (i Identity) Profile() Profile {
	return Profile{
		ID:               i.ID,
		Email:            i.Email,
		DisplayName:      i.DisplayName,
		Address:          i.Address,
		SelfieURL:        i.SelfieURL,
		Verified:         i.Verified,
		VerifiedAt:       i.VerifiedAt,
		Role:             i.Role,
		AccountType:      i.AccountType,
		BusinessName:     i.BusinessName,
		BusinessCategory: i.BusinessCategory,
		BusinessPhone:    i.BusinessPhone,
		BusinessWebsite:  i.BusinessWebsite,
		CreatedAt:        i.CreatedAt,
	}
}

// NormalizeEmail lower-cases and trims an address and checks that it is a
// bare addr-spec.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > 254 {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndexByte(email, '@')+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
