// Package signup turns a proven email, a profile and a live selfie into a
// verified account.
package signup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/localboard/localboard/internal/auth"
	"github.com/localboard/localboard/internal/geofence"
	"github.com/localboard/localboard/internal/identity"
	"github.com/localboard/localboard/internal/metrics"
	"github.com/localboard/localboard/internal/notification"
	"github.com/localboard/localboard/internal/storage"
)

// MaxSelfieBytes caps the uploaded image size.
const MaxSelfieBytes = 8 << 20

const (
	minNameLen    = 2
	maxNameLen    = 80
	maxAddressLen = 300
	maxFieldLen   = 200
)

// State is a step of the signup pipeline. Each state is reached only when
// the previous one succeeded.
type State int

const (
	StateUnverified State = iota
	StateEmailProven
	StateProfileSubmitted
	StateGeofenceChecked
	StateAccountMaterialized
	StateSelfiePersisted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateEmailProven:
		return "email_proven"
	case StateProfileSubmitted:
		return "profile_submitted"
	case StateGeofenceChecked:
		return "geofence_checked"
	case StateAccountMaterialized:
		return "account_materialized"
	case StateSelfiePersisted:
		return "selfie_persisted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Submission is everything the client sends to finish signup.
type Submission struct {
	Email       string
	EmailToken  string
	DisplayName string
	PIN         string
	Address     string
	AddressLat  float64
	AddressLon  float64
	LiveLat     float64
	LiveLon     float64
	AccountType string

	BusinessName     string
	BusinessCategory string
	BusinessPhone    string
	BusinessWebsite  string

	Selfie []byte
}

// Outcome is a finished signup.
type Outcome struct {
	Identity identity.Identity
	Session  string
	// Retried is true when a partial row from an earlier attempt was reused.
	Retried bool
}

// attempt records whether this request created the account row or took
// over an existing partial one. The compensating action depends on it.
type attempt interface {
	isAttempt()
}

type freshAttempt struct{}

// retryAttempt holds the partial row as it was before this request
// touched it.
type retryAttempt struct {
	existing identity.Identity
}

func (freshAttempt) isAttempt() {}
func (retryAttempt) isAttempt() {}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Identities       identity.Repository
	Codec            *auth.Codec
	Verifier         *geofence.Verifier
	Blob             storage.Blob
	Notifier         notification.Notifier
	PINSecret        []byte
	IsAdminEmail     func(email string) bool
	AdminNotifyEmail string
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Orchestrator runs signup completion.
type Orchestrator struct {
	ids         identity.Repository
	codec       *auth.Codec
	verifier    *geofence.Verifier
	blob        storage.Blob
	notifier    notification.Notifier
	pinSecret   []byte
	isAdmin     func(string) bool
	adminNotify string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New builds an Orchestrator.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		ids:         d.Identities,
		codec:       d.Codec,
		verifier:    d.Verifier,
		blob:        d.Blob,
		notifier:    d.Notifier,
		pinSecret:   d.PINSecret,
		isAdmin:     d.IsAdminEmail,
		adminNotify: d.AdminNotifyEmail,
		logger:      d.Logger,
		metrics:     d.Metrics,
		now:         d.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.isAdmin == nil {
		o.isAdmin = func(string) bool { return false }
	}
	if o.verifier == nil {
		o.verifier = geofence.NewVerifier(geofence.DefaultToleranceMiles, geofence.DefaultRegion)
	}
	return o
}

// Complete runs every step in order. Validation, token, lookup and
// geofence failures return before any write. A storage failure after the
// row was written triggers the compensating action for the attempt kind.
func (o *Orchestrator) Complete(ctx context.Context, sub Submission) (Outcome, error) {
	state := StateUnverified

	email, contentType, err := o.validate(&sub)
	if err != nil {
		o.metrics.Signup("invalid")
		return Outcome{}, err
	}
	log := o.logger.With(slog.String("email", email))

	if !o.codec.VerifyEmailToken(email, sub.EmailToken, o.codec.EmailTTL()) {
		o.metrics.Signup("unproven")
		return Outcome{}, ErrEmailNotProven
	}
	state = o.advance(log, state, StateEmailProven)

	att, err := o.classify(ctx, email)
	if err != nil {
		o.metrics.Signup("rejected")
		return Outcome{}, err
	}
	state = o.advance(log, state, StateProfileSubmitted)

	address := geofence.Point{Lat: sub.AddressLat, Lon: sub.AddressLon}
	live := geofence.Point{Lat: sub.LiveLat, Lon: sub.LiveLon}
	result, err := o.verifier.VerifyProximity(address, live)
	if err != nil {
		var rejection *geofence.RejectionError
		if errors.As(err, &rejection) {
			o.metrics.ObserveGeofenceFeet(float64(rejection.DistanceFeet()))
			o.metrics.Signup("geofence_rejected")
			log.Info("geofence rejected", slog.Int64("distance_feet", rejection.DistanceFeet()))
			return Outcome{}, err
		}
		o.metrics.Signup("invalid")
		return Outcome{}, invalid("coordinates", "Your location could not be read. Please enable location and try again.")
	}
	o.metrics.ObserveGeofenceFeet(float64(result.DistanceFeet()))
	state = o.advance(log, state, StateGeofenceChecked)

	row, err := o.materialize(ctx, att, email, sub, live)
	if err != nil {
		o.metrics.Signup("error")
		return Outcome{}, err
	}
	state = o.advance(log, state, StateAccountMaterialized)

	ext, _ := storage.ImageExtension(contentType)
	url, err := o.blob.Upload(ctx, storage.SelfieKey(row.ID, ext), sub.Selfie, contentType)
	if err == nil {
		err = o.ids.SetSelfie(ctx, row.ID, url)
	}
	if err != nil {
		log.Error("selfie persistence failed", slog.Int64("user_id", row.ID), slog.Any("error", err))
		o.rollback(ctx, log, att, row)
		o.metrics.Signup("storage_failed")
		return Outcome{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	row.SelfieURL = url
	state = o.advance(log, state, StateSelfiePersisted)

	session := o.codec.SignSession(row.ID)
	o.notify(ctx, row)
	o.advance(log, state, StateDone)
	o.metrics.Signup("completed")

	_, retried := att.(retryAttempt)
	return Outcome{Identity: row, Session: session, Retried: retried}, nil
}

func (o *Orchestrator) advance(log *slog.Logger, from, to State) State {
	log.Debug("signup state", slog.String("from", from.String()), slog.String("to", to.String()))
	return to
}

// classify decides between a fresh signup and a takeover of a partial row.
func (o *Orchestrator) classify(ctx context.Context, email string) (attempt, error) {
	existing, err := o.ids.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return freshAttempt{}, nil
	case err != nil:
		return nil, fmt.Errorf("lookup identity: %w", err)
	case existing.IsComplete():
		return nil, ErrAlreadyExists
	case existing.Banned:
		return nil, auth.ErrAccountSuspended
	default:
		return retryAttempt{existing: existing.Clone()}, nil
	}
}

func (o *Orchestrator) materialize(ctx context.Context, att attempt, email string, sub Submission, live geofence.Point) (identity.Identity, error) {
	salt, err := auth.NewSalt()
	if err != nil {
		return identity.Identity{}, fmt.Errorf("generate salt: %w", err)
	}
	now := o.now().UTC()
	role := identity.RoleMember
	if o.isAdmin(email) {
		role = identity.RoleAdmin
	}

	row := identity.Identity{
		Email:         email,
		PINHash:       auth.HashCredential(sub.PIN, o.pinSecret, salt),
		PINSalt:       salt,
		DisplayName:   sub.DisplayName,
		Address:       sub.Address,
		AddressCoords: &identity.Coordinates{Lat: sub.AddressLat, Lon: sub.AddressLon},
		SelfieCoords:  &identity.Coordinates{Lat: live.Lat, Lon: live.Lon},
		Verified:      true,
		VerifiedAt:    &now,
		Role:          role,
		AccountType:   sub.AccountType,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sub.AccountType == identity.AccountBusiness {
		row.BusinessName = sub.BusinessName
		row.BusinessCategory = sub.BusinessCategory
		row.BusinessPhone = sub.BusinessPhone
		row.BusinessWebsite = sub.BusinessWebsite
	}

	switch a := att.(type) {
	case freshAttempt:
		id, err := o.ids.Insert(ctx, row)
		if errors.Is(err, identity.ErrEmailTaken) {
			return identity.Identity{}, ErrSignupConflict
		}
		if err != nil {
			return identity.Identity{}, fmt.Errorf("insert identity: %w", err)
		}
		row.ID = id
	case retryAttempt:
		row.ID = a.existing.ID
		row.CreatedAt = a.existing.CreatedAt
		if a.existing.Role == identity.RoleAdmin || a.existing.Role == identity.RoleModerator {
			row.Role = a.existing.Role
		}
		if err := o.ids.Update(ctx, row); err != nil {
			return identity.Identity{}, fmt.Errorf("update identity: %w", err)
		}
	default:
		return identity.Identity{}, fmt.Errorf("unknown attempt %T", att)
	}
	return row, nil
}

// rollback undoes materialize. A fresh row is deleted; a reused partial
// row is written back as it was found unless a concurrent retry has
// replaced it since. It runs on a context that outlives the request so a
// disconnecting client cannot skip it.
func (o *Orchestrator) rollback(ctx context.Context, log *slog.Logger, att attempt, written identity.Identity) {
	ctx = context.WithoutCancel(ctx)
	log = log.With(slog.Int64("user_id", written.ID))
	switch a := att.(type) {
	case freshAttempt:
		if err := o.ids.Delete(ctx, written.ID); err != nil {
			// The row is verified with no selfie; IsComplete keeps it retryable.
			o.metrics.SignupRollback("delete_failed")
			log.Error("rollback delete failed, account left partial", slog.String("email", written.Email), slog.Any("error", err))
			return
		}
		o.metrics.SignupRollback("delete")
		log.Warn("rolled back new account")
	case retryAttempt:
		err := o.ids.Restore(ctx, a.existing, written.PINHash)
		switch {
		case errors.Is(err, identity.ErrChanged):
			o.metrics.SignupRollback("restore_skipped")
			log.Warn("partial account changed by a concurrent signup, not restored")
		case err != nil:
			o.metrics.SignupRollback("restore_failed")
			log.Error("rollback restore failed", slog.Any("error", err))
		default:
			o.metrics.SignupRollback("restore")
			log.Warn("restored partial account")
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, row identity.Identity) {
	messages := []notification.Message{{
		Kind:        notification.KindWelcome,
		Destination: row.Email,
		Subject:     "Welcome to your neighborhood board",
		Body:        fmt.Sprintf("Hi %s, your account is verified. You can now post and reply.", row.DisplayName),
	}}
	if o.adminNotify != "" {
		messages = append(messages, notification.Message{
			Kind:        notification.KindNewMember,
			Destination: o.adminNotify,
			Subject:     "New verified member",
			Body:        fmt.Sprintf("%s (%s) joined as a %s account.", row.DisplayName, row.Email, row.AccountType),
		})
	}
	notification.Dispatch(ctx, o.notifier, o.logger, messages...)
}

// validate normalises sub in place and returns the email and the sniffed
// selfie content type.
func (o *Orchestrator) validate(sub *Submission) (string, string, error) {
	email, err := identity.NormalizeEmail(sub.Email)
	if err != nil {
		return "", "", invalid("email", "Please enter a valid email address.")
	}
	sub.Email = email

	if strings.TrimSpace(sub.EmailToken) == "" {
		return "", "", ErrEmailNotProven
	}

	sub.DisplayName = strings.TrimSpace(sub.DisplayName)
	if n := utf8.RuneCountInString(sub.DisplayName); n < minNameLen || n > maxNameLen {
		return "", "", invalid("displayName", "Please enter a name between 2 and 80 characters.")
	}
	if err := auth.ValidatePIN(sub.PIN); err != nil {
		return "", "", invalid("pin", "Your PIN must be 4 to 6 digits.")
	}
	sub.Address = strings.TrimSpace(sub.Address)
	if sub.Address == "" || utf8.RuneCountInString(sub.Address) > maxAddressLen {
		return "", "", invalid("address", "Please enter your street address.")
	}

	if err := o.verifier.Validate(geofence.Point{Lat: sub.AddressLat, Lon: sub.AddressLon}); err != nil {
		return "", "", invalid("address", "We could not locate that address in our service area.")
	}
	if err := o.verifier.Validate(geofence.Point{Lat: sub.LiveLat, Lon: sub.LiveLon}); err != nil {
		return "", "", invalid("location", "Your location could not be read. Please enable location and try again.")
	}

	sub.AccountType = strings.ToLower(strings.TrimSpace(sub.AccountType))
	switch sub.AccountType {
	case "":
		sub.AccountType = identity.AccountPersonal
	case identity.AccountPersonal:
	case identity.AccountBusiness:
		sub.BusinessName = strings.TrimSpace(sub.BusinessName)
		if sub.BusinessName == "" {
			return "", "", invalid("businessName", "Please enter your business name.")
		}
		for field, v := range map[string]string{
			"businessName":     sub.BusinessName,
			"businessCategory": sub.BusinessCategory,
			"businessPhone":    sub.BusinessPhone,
			"businessWebsite":  sub.BusinessWebsite,
		} {
			if utf8.RuneCountInString(v) > maxFieldLen {
				return "", "", invalid(field, "One of your business details is too long.")
			}
		}
	default:
		return "", "", invalid("accountType", "Please choose a personal or business account.")
	}

	if len(sub.Selfie) == 0 {
		return "", "", invalid("selfie", "Please take a selfie to verify your account.")
	}
	if len(sub.Selfie) > MaxSelfieBytes {
		return "", "", invalid("selfie", "Your selfie is too large. Please retake it.")
	}
	contentType := http.DetectContentType(sub.Selfie)
	if _, ok := storage.ImageExtension(contentType); !ok {
		return "", "", invalid("selfie", "Your selfie must be a JPEG, PNG, GIF or WebP image.")
	}
	return email, contentType, nil
}
