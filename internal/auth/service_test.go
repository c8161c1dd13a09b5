package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/localboard/internal/identity"
	"github.com/localboard/localboard/internal/logging"
	"github.com/localboard/localboard/internal/otp"
)

var testPINSecret = []byte("pin-secret")

func newTestService(t *testing.T) (*Service, identity.Repository, *Codec) {
	t.Helper()
	ids := identity.NewMemoryRepository()
	codes := otp.NewService(otp.NewMemoryRepository(), nil, logging.Discard(),
		otp.WithGenerator(func() (string, error) { return "123456", nil }))
	codec := NewCodec("email-secret", "session-secret", time.Hour, 30*24*time.Hour, nil)
	svc, err := NewService(ids, codes, codec, string(testPINSecret), logging.Discard(), nil)
	require.NoError(t, err)
	return svc, ids, codec
}

func insertAccount(t *testing.T, ids identity.Repository, email, pin string, mutate func(*identity.Identity)) int64 {
	t.Helper()
	salt, err := NewSalt()
	require.NoError(t, err)
	row := identity.Identity{
		Email:         email,
		PINHash:       HashCredential(pin, testPINSecret, salt),
		PINSalt:       salt,
		Verified:      true,
		SelfieURL:     "https://cdn.test/selfies/1/a.png",
		AddressCoords: &identity.Coordinates{Lat: 40.73, Lon: -73.99},
		SelfieCoords:  &identity.Coordinates{Lat: 40.73, Lon: -73.99},
		Role:          identity.RoleMember,
		AccountType:   identity.AccountPersonal,
	}
	if mutate != nil {
		mutate(&row)
	}
	id, err := ids.Insert(context.Background(), row)
	require.NoError(t, err)
	return id
}

func TestLogin(t *testing.T) {
	svc, ids, codec := newTestService(t)
	id := insertAccount(t, ids, "a@b.com", "4821", nil)
	ctx := context.Background()

	user, session, err := svc.Login(ctx, "a@b.com", "4821")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	got, ok := codec.VerifySession(session)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, _, err = svc.Login(ctx, "a@b.com", "0000")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@b.com", "4821")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "a@b.com", "12")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsPartialAndBanned(t *testing.T) {
	svc, ids, _ := newTestService(t)
	insertAccount(t, ids, "partial@b.com", "4821", func(i *identity.Identity) { i.Verified = false })
	insertAccount(t, ids, "banned@b.com", "4821", func(i *identity.Identity) { i.Banned = true })

	_, _, err := svc.Login(context.Background(), "partial@b.com", "4821")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(context.Background(), "banned@b.com", "4821")
	assert.ErrorIs(t, err, ErrAccountSuspended)

	_, _, err = svc.Login(context.Background(), "banned@b.com", "9999")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "wrong PIN does not reveal the ban")
}

func TestVerifyOTPOutcomes(t *testing.T) {
	svc, ids, codec := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendOTP(ctx, "new@b.com"))
	res, err := svc.VerifyOTP(ctx, "new@b.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsProfile, res.Status)
	assert.True(t, codec.VerifyEmailToken("new@b.com", res.EmailToken, time.Hour))

	id := insertAccount(t, ids, "old@b.com", "4821", nil)
	require.NoError(t, svc.SendOTP(ctx, "old@b.com"))
	res, err = svc.VerifyOTP(ctx, "old@b.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, StatusLoggedIn, res.Status)
	got, ok := codec.VerifySession(res.Session)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, err = svc.VerifyOTP(ctx, "old@b.com", "123456")
	assert.ErrorIs(t, err, otp.ErrInvalidCode)
}

func TestVerifyOTPBannedAccount(t *testing.T) {
	svc, ids, _ := newTestService(t)
	insertAccount(t, ids, "banned@b.com", "4821", func(i *identity.Identity) { i.Banned = true })
	require.NoError(t, svc.SendOTP(context.Background(), "banned@b.com"))

	_, err := svc.VerifyOTP(context.Background(), "banned@b.com", "123456")
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestSetPIN(t *testing.T) {
	svc, ids, _ := newTestService(t)
	id := insertAccount(t, ids, "a@b.com", "4821", nil)
	ctx := context.Background()
	user, err := ids.FindByID(ctx, id)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SetPIN(ctx, user, "4821", "12"), ErrInvalidPIN)
	assert.ErrorIs(t, svc.SetPIN(ctx, user, "0000", "5555"), ErrInvalidCredentials)
	require.NoError(t, svc.SetPIN(ctx, user, "4821", "5555"))

	_, _, err = svc.Login(ctx, "a@b.com", "4821")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "a@b.com", "5555")
	assert.NoError(t, err)
}
