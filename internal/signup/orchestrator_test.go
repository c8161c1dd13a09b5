package signup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/localboard/internal/auth"
	"github.com/localboard/localboard/internal/geofence"
	"github.com/localboard/localboard/internal/identity"
	"github.com/localboard/localboard/internal/logging"
	"github.com/localboard/localboard/internal/metrics"
	"github.com/localboard/localboard/internal/notification"
	"github.com/localboard/localboard/internal/storage"
)

var pngSelfie = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

type selfieFailRepo struct {
	identity.Repository
	err error
}

func (r selfieFailRepo) SetSelfie(ctx context.Context, id int64, url string) error {
	if r.err != nil {
		return r.err
	}
	return r.Repository.SetSelfie(ctx, id, url)
}

type deleteFailRepo struct {
	identity.Repository
}

func (deleteFailRepo) Delete(context.Context, int64) error {
	return errors.New("connection reset")
}

// hookBlob runs before, then fails the upload.
type hookBlob struct {
	before func()
}

func (b hookBlob) Upload(context.Context, string, []byte, string) (string, error) {
	b.before()
	return "", errors.New("bucket unreachable")
}

type chanNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *chanNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

func (n *chanNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type harness struct {
	repo     identity.Repository
	blob     *storage.MemoryBlob
	codec    *auth.Codec
	notifier *chanNotifier
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := &harness{
		repo:     identity.NewMemoryRepository(),
		blob:     storage.NewMemoryBlob("https://cdn.test"),
		codec:    auth.NewCodec("email-secret", "session-secret", time.Hour, 30*24*time.Hour, clock),
		notifier: &chanNotifier{},
	}
	h.deps = Deps{
		Identities:       h.repo,
		Codec:            h.codec,
		Verifier:         geofence.NewVerifier(geofence.DefaultToleranceMiles, geofence.DefaultRegion),
		Blob:             h.blob,
		Notifier:         h.notifier,
		PINSecret:        []byte("pin-secret"),
		AdminNotifyEmail: "ops@localboard.test",
		Logger:           logging.Discard(),
		Now:              clock,
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.deps)
}

func (h *harness) submission(email string) Submission {
	return Submission{
		Email:       email,
		EmailToken:  h.codec.SignEmailToken(email),
		DisplayName: "Ada Lovelace",
		PIN:         "4821",
		Address:     "1 Washington Sq, New York, NY",
		AddressLat:  40.73,
		AddressLon:  -73.99,
		LiveLat:     40.7301,
		LiveLon:     -73.9899,
		Selfie:      pngSelfie,
	}
}

func TestCompleteCreatesVerifiedAccount(t *testing.T) {
	h := newHarness(t)
	out, err := h.orchestrator().Complete(context.Background(), h.submission("a@b.com"))
	require.NoError(t, err)

	assert.False(t, out.Retried)
	assert.True(t, out.Identity.Verified)
	assert.Equal(t, identity.RoleMember, out.Identity.Role)
	assert.Equal(t, identity.AccountPersonal, out.Identity.AccountType)

	id, ok := h.codec.VerifySession(out.Session)
	require.True(t, ok)
	assert.Equal(t, out.Identity.ID, id)

	stored, err := h.repo.FindByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.True(t, stored.IsComplete())
	require.NotNil(t, stored.SelfieCoords)
	assert.Equal(t, 40.7301, stored.SelfieCoords.Lat)
	assert.Equal(t, out.Identity.SelfieURL, stored.SelfieURL)
	assert.Contains(t, stored.SelfieURL, "/selfies/")
	assert.True(t, auth.VerifyCredential("4821", []byte("pin-secret"), stored.PINSalt, stored.PINHash))
	assert.Equal(t, 1, h.blob.Len())

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{notification.KindWelcome, notification.KindNewMember}, sortedKinds(h.notifier.kinds()))
	}, time.Second, 10*time.Millisecond)
}

func sortedKinds(kinds []string) []string {
	if len(kinds) == 2 && kinds[0] != notification.KindWelcome {
		kinds[0], kinds[1] = kinds[1], kinds[0]
	}
	return kinds
}

func TestCompleteTwiceRejectsSecondAttempt(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	sub := h.submission("a@b.com")

	first, err := o.Complete(context.Background(), sub)
	require.NoError(t, err)

	_, err = o.Complete(context.Background(), sub)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	stored, err := h.repo.FindByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, first.Identity.ID, stored.ID)
}

func TestRetryReusesPartialRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partialID, err := h.repo.Insert(ctx, identity.Identity{Email: "a@b.com", DisplayName: "Old", Role: identity.RoleModerator, AccountType: identity.AccountPersonal})
	require.NoError(t, err)

	sub := h.submission("a@b.com")
	sub.Email = " A@B.com"
	out, err := h.orchestrator().Complete(ctx, sub)
	require.NoError(t, err)

	assert.True(t, out.Retried)
	assert.Equal(t, partialID, out.Identity.ID)
	assert.Equal(t, identity.RoleModerator, out.Identity.Role, "elevated role survives a retry")

	_, err = h.repo.FindByID(ctx, partialID+1)
	assert.ErrorIs(t, err, identity.ErrNotFound, "no second row")
	stored, err := h.repo.FindByID(ctx, partialID)
	require.NoError(t, err)
	assert.True(t, stored.IsComplete())
	assert.Equal(t, "Ada Lovelace", stored.DisplayName)
}

func TestFreshUploadFailureRollsBackRow(t *testing.T) {
	h := newHarness(t)
	h.blob.Err = errors.New("bucket unreachable")

	_, err := h.orchestrator().Complete(context.Background(), h.submission("a@b.com"))
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = h.repo.FindByEmail(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestFreshSelfieWriteFailureRollsBackRow(t *testing.T) {
	h := newHarness(t)
	h.deps.Identities = selfieFailRepo{Repository: h.repo, err: errors.New("connection reset")}

	_, err := h.orchestrator().Complete(context.Background(), h.submission("a@b.com"))
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = h.repo.FindByEmail(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestRetryUploadFailureKeepsPartialRowUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.repo.Insert(ctx, identity.Identity{
		Email:       "a@b.com",
		DisplayName: "Half Done",
		Address:     "9 Unfinished Ave",
		Role:        identity.RoleMember,
		AccountType: identity.AccountPersonal,
	})
	require.NoError(t, err)
	before, err := h.repo.FindByEmail(ctx, "a@b.com")
	require.NoError(t, err)

	h.blob.Err = errors.New("bucket unreachable")
	_, err = h.orchestrator().Complete(ctx, h.submission("a@b.com"))
	require.ErrorIs(t, err, ErrStorageUnavailable)

	after, err := h.repo.FindByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, after.Verified)
	assert.False(t, after.HasCredential())
}

func TestRetryUploadFailureLeavesConcurrentWinnerAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.repo.Insert(ctx, identity.Identity{Email: "a@b.com", DisplayName: "Half Done", AccountType: identity.AccountPersonal})
	require.NoError(t, err)

	var winner identity.Identity
	h.deps.Blob = hookBlob{before: func() {
		// Another retry of the same row finishes while this upload is in flight.
		current, err := h.repo.FindByID(ctx, id)
		require.NoError(t, err)
		salt, err := auth.NewSalt()
		require.NoError(t, err)
		current.PINHash = auth.HashCredential("9999", []byte("pin-secret"), salt)
		current.PINSalt = salt
		current.SelfieURL = "https://cdn.test/selfies/1/winner.png"
		require.NoError(t, h.repo.Update(ctx, current))
		winner = current
	}}

	_, err = h.orchestrator().Complete(ctx, h.submission("a@b.com"))
	require.ErrorIs(t, err, ErrStorageUnavailable)

	after, err := h.repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, after.IsComplete())
	assert.Equal(t, winner.PINHash, after.PINHash)
	assert.Equal(t, winner.SelfieURL, after.SelfieURL)
}

func TestFailedRollbackDeleteLeavesRetryableRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deps.Identities = deleteFailRepo{Repository: h.repo}
	h.deps.Metrics = metrics.New(prometheus.NewRegistry())
	h.blob.Err = errors.New("bucket unreachable")

	_, err := h.orchestrator().Complete(ctx, h.submission("a@b.com"))
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.deps.Metrics.SignupRollbacks.WithLabelValues("delete_failed")))

	stranded, err := h.repo.FindByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.True(t, stranded.Verified)
	assert.False(t, stranded.IsComplete())

	h.blob.Err = nil
	out, err := h.orchestrator().Complete(ctx, h.submission("a@b.com"))
	require.NoError(t, err)
	assert.True(t, out.Retried)
	assert.Equal(t, stranded.ID, out.Identity.ID)
}

func TestGeofenceRejectionWritesNothing(t *testing.T) {
	h := newHarness(t)
	sub := h.submission("a@b.com")
	sub.LiveLat = 40.80

	_, err := h.orchestrator().Complete(context.Background(), sub)
	var rejection *geofence.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.InDelta(t, 25538, rejection.DistanceFeet(), 100)

	_, err = h.repo.FindByEmail(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.Zero(t, h.blob.Len())
}

func TestEmailTokenMustMatchEmail(t *testing.T) {
	h := newHarness(t)
	sub := h.submission("a@b.com")
	sub.EmailToken = h.codec.SignEmailToken("mallory@b.com")

	_, err := h.orchestrator().Complete(context.Background(), sub)
	assert.ErrorIs(t, err, ErrEmailNotProven)

	sub.EmailToken = ""
	_, err = h.orchestrator().Complete(context.Background(), sub)
	assert.ErrorIs(t, err, ErrEmailNotProven)
}

func TestBannedPartialRowCannotSignUp(t *testing.T) {
	h := newHarness(t)
	_, err := h.repo.Insert(context.Background(), identity.Identity{Email: "a@b.com", Banned: true})
	require.NoError(t, err)

	_, err = h.orchestrator().Complete(context.Background(), h.submission("a@b.com"))
	assert.ErrorIs(t, err, auth.ErrAccountSuspended)
}

func TestAdminEmailGetsAdminRole(t *testing.T) {
	h := newHarness(t)
	h.deps.IsAdminEmail = func(email string) bool { return email == "boss@b.com" }

	out, err := h.orchestrator().Complete(context.Background(), h.submission("boss@b.com"))
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, out.Identity.Role)
}

func TestBusinessAccount(t *testing.T) {
	h := newHarness(t)
	sub := h.submission("shop@b.com")
	sub.AccountType = "Business"
	sub.BusinessName = "Corner Bakery"
	sub.BusinessPhone = "555-0100"

	out, err := h.orchestrator().Complete(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, identity.AccountBusiness, out.Identity.AccountType)
	assert.Equal(t, "Corner Bakery", out.Identity.BusinessName)
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Submission)
		field  string
	}{
		"bad email":         {func(s *Submission) { s.Email = "nope" }, "email"},
		"short name":        {func(s *Submission) { s.DisplayName = " A " }, "displayName"},
		"long pin":          {func(s *Submission) { s.PIN = "1234567" }, "pin"},
		"letters in pin":    {func(s *Submission) { s.PIN = "12ab" }, "pin"},
		"blank address":     {func(s *Submission) { s.Address = "  " }, "address"},
		"address abroad":    {func(s *Submission) { s.AddressLat, s.AddressLon = 51.5, -0.12 }, "address"},
		"null island":       {func(s *Submission) { s.LiveLat, s.LiveLon = 0, 0 }, "location"},
		"unknown type":      {func(s *Submission) { s.AccountType = "charity" }, "accountType"},
		"business no name":  {func(s *Submission) { s.AccountType = "business" }, "businessName"},
		"missing selfie":    {func(s *Submission) { s.Selfie = nil }, "selfie"},
		"selfie not image":  {func(s *Submission) { s.Selfie = []byte("%PDF-1.7 hello") }, "selfie"},
		"selfie is too big": {func(s *Submission) { s.Selfie = append(pngSelfie, make([]byte, MaxSelfieBytes)...) }, "selfie"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			sub := h.submission("a@b.com")
			tc.mutate(&sub)

			_, err := h.orchestrator().Complete(context.Background(), sub)
			require.ErrorIs(t, err, ErrInvalidInput)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)

			_, err = h.repo.FindByEmail(context.Background(), "a@b.com")
			assert.ErrorIs(t, err, identity.ErrNotFound)
		})
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "geofence_checked", StateGeofenceChecked.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "state(99)", State(99).String())
}
