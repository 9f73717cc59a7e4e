package service_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/service"
	"github.com/consultly/auth-service/internal/totp"
)

func TestTOTPSetupAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "totp@example.com")

	view, err := f.mfaSvc.Setup(ctx, user.ID, domain.MethodTOTP, "")
	require.NoError(t, err)
	require.NotEmpty(t, view.Secret)
	require.Contains(t, view.ProvisioningURI, "otpauth://totp/")
	require.Contains(t, view.ProvisioningURI, "totp@example.com")

	code, err := totp.Code(view.Secret, f.clock.Now(), totp.Params{})
	require.NoError(t, err)
	require.NoError(t, f.mfaSvc.VerifySetup(ctx, user.ID, domain.MethodTOTP, code))

	status, err := f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, status.IsEnabled)
	require.Equal(t, domain.MethodTOTP, status.PrimaryMethod)
	require.Equal(t, []string{domain.MethodTOTP}, status.EnabledMethods)
}

func TestTOTPSetupRejectsWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "totp@example.com")

	_, err := f.mfaSvc.Setup(ctx, user.ID, domain.MethodTOTP, "")
	require.NoError(t, err)

	err = f.mfaSvc.VerifySetup(ctx, user.ID, domain.MethodTOTP, "000000")
	requireCode(t, err, service.CodeMFAInvalid)

	enabled, err := f.mfaSvc.Enabled(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestTOTPSetupExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "totp@example.com")

	view, err := f.mfaSvc.Setup(ctx, user.ID, domain.MethodTOTP, "")
	require.NoError(t, err)

	f.clock.Advance(f.cfg.SetupTTL + time.Minute)
	code, err := totp.Code(view.Secret, f.clock.Now(), totp.Params{})
	require.NoError(t, err)
	err = f.mfaSvc.VerifySetup(ctx, user.ID, domain.MethodTOTP, code)
	requireCode(t, err, service.CodeMFAExpired)
}

func TestTOTPAcceptsAdjacentPeriodOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "totp@example.com")
	secret := enrollTOTP(t, f, user.ID)

	period := time.Duration(totp.DefaultPeriod) * time.Second
	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"previous period", -period, true},
		{"current period", 0, true},
		{"next period", period, true},
		{"two periods behind", -2 * period, false},
		{"two periods ahead", 2 * period, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			challenge, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
			require.NoError(t, err)

			code, err := totp.Code(secret, f.clock.Now().Add(tc.offset), totp.Params{})
			require.NoError(t, err)

			_, err = f.mfaSvc.VerifyChallenge(ctx, challenge.ChallengeID, domain.MethodTOTP, code, "10.0.0.1", "test-agent")
			if tc.ok {
				require.NoError(t, err)
			} else {
				requireCode(t, err, service.CodeMFAInvalid)
				// Clear the failure so later subtests are unaffected.
				require.NoError(t, f.mfaRepo.ResetFailures(ctx, user.ID))
			}
		})
	}
}

func TestSMSSetupDeliversCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "sms@example.com")

	view, err := f.mfaSvc.Setup(ctx, user.ID, domain.MethodSMS, "+15550001234")
	require.NoError(t, err)
	require.Empty(t, view.Secret)
	require.Equal(t, "********1234", view.Destination)

	code := f.sender.lastCode()
	require.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

	require.NoError(t, f.mfaSvc.VerifySetup(ctx, user.ID, domain.MethodSMS, code))

	status, err := f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, status.IsEnabled)
	require.Equal(t, domain.MethodSMS, status.PrimaryMethod)
}

func TestSMSSetupRequiresContact(t *testing.T) {
	f := newFixture(t)
	user := seedUser(t, f, "sms@example.com")

	_, err := f.mfaSvc.Setup(context.Background(), user.ID, domain.MethodSMS, "  ")
	requireCode(t, err, service.CodeValidation)
}

func TestEmailChallengeCodeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "email@example.com")
	enrollEmail(t, f, user.ID, user.Email)

	challenge, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	require.NoError(t, err)
	code := f.sender.lastCode()

	_, err = f.mfaSvc.VerifyChallenge(ctx, challenge.ChallengeID, domain.MethodEmail, code, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	// The consumed code cannot pass a later challenge.
	second, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	require.NoError(t, err)
	require.NotEqual(t, challenge.ChallengeID, second.ChallengeID)
	fresh := f.sender.lastCode()

	_, err = f.mfaSvc.VerifyChallenge(ctx, second.ChallengeID, domain.MethodEmail, code, "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFAInvalid)

	// Any attempt consumes the delivered code, so even the right one is
	// rejected now and a new code must be sent.
	_, err = f.mfaSvc.VerifyChallenge(ctx, second.ChallengeID, domain.MethodEmail, fresh, "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFAInvalid)
}

func TestDeliveryCodeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "email@example.com")
	enrollEmail(t, f, user.ID, user.Email)

	challenge, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	require.NoError(t, err)
	code := f.sender.lastCode()

	f.clock.Advance(f.cfg.DeliveryCodeTTL + time.Minute)
	// The challenge TTL is shorter, so issue a fresh challenge but keep the
	// stale code.
	require.True(t, f.cfg.ChallengeTTL < f.cfg.DeliveryCodeTTL)
	_ = challenge

	second := mustChallenge(t, f, user.ID)
	_ = f.sender.lastCode()
	_, err = f.mfaSvc.VerifyChallenge(ctx, second, domain.MethodEmail, code, "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFAInvalid)
}

func TestVerificationLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "lockout@example.com")
	secret := enrollTOTP(t, f, user.ID)

	challengeID := mustChallenge(t, f, user.ID)
	for i := 0; i < domain.MFAMaxConsecutiveFailures-1; i++ {
		_, err := f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodTOTP, "000000", "10.0.0.1", "test-agent")
		requireCode(t, err, service.CodeMFAInvalid)
	}

	// Fifth consecutive failure locks verification.
	_, err := f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodTOTP, "000000", "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFATooMany)

	// A correct code is rejected while locked, and the rejection does not
	// extend the lock.
	cfgBefore, err := f.mfaRepo.Get(ctx, user.ID)
	require.NoError(t, err)
	code, err := totp.Code(secret, f.clock.Now(), totp.Params{})
	require.NoError(t, err)
	_, err = f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodTOTP, code, "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFATooMany)
	cfgAfter, err := f.mfaRepo.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, cfgBefore.LockedUntil, cfgAfter.LockedUntil)

	// Issuing a new challenge is also refused while locked.
	_, err = f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	requireCode(t, err, service.CodeMFATooMany)

	// After the lock window the counter restarts and verification succeeds.
	f.clock.Advance(domain.MFALockDuration + time.Minute)
	challengeID = mustChallenge(t, f, user.ID)
	code, err = totp.Code(secret, f.clock.Now(), totp.Params{})
	require.NoError(t, err)
	_, err = f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodTOTP, code, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	cfgFinal, err := f.mfaRepo.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, cfgFinal.ConsecutiveFailures)
	require.False(t, cfgFinal.IsLocked)
}

func TestVerificationHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "history@example.com")
	enrollTOTP(t, f, user.ID)

	for i := 0; i < domain.VerificationHistoryLimit+20; i++ {
		require.NoError(t, f.mfaRepo.RecordVerification(ctx, domain.VerificationRecord{
			UserID: user.ID, Method: domain.MethodTOTP, Success: i%2 == 0, Timestamp: f.clock.Now(),
		}))
	}

	records, err := f.mfaRepo.ListVerifications(ctx, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, domain.VerificationHistoryLimit)
}

func TestBackupCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "backup@example.com")
	enrollTOTP(t, f, user.ID)

	codes, err := f.mfaSvc.GenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	pattern := regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}$`)
	seen := map[string]bool{}
	for _, code := range codes {
		require.Regexp(t, pattern, code)
		require.False(t, seen[code])
		seen[code] = true
	}

	status, err := f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 10, status.BackupCodesLeft)

	challengeID := mustChallenge(t, f, user.ID)
	challenge, err := f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodBackup, codes[0], "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.Equal(t, user.ID, challenge.UserID)

	status, err = f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 9, status.BackupCodesLeft)

	// A redeemed code never works again.
	challengeID = mustChallenge(t, f, user.ID)
	_, err = f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodBackup, codes[0], "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFAInvalid)
}

func TestBackupCodeRedeemsExactlyOnceUnderRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "race@example.com")
	enrollTOTP(t, f, user.ID)

	codes, err := f.mfaSvc.GenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)

	challenges := []string{mustChallenge(t, f, user.ID), mustChallenge(t, f, user.ID)}
	results := make([]error, len(challenges))
	var wg sync.WaitGroup
	for i, id := range challenges {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = f.mfaSvc.VerifyChallenge(ctx, id, domain.MethodBackup, codes[0], "10.0.0.1", "test-agent")
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, verifyErr := range results {
		if verifyErr == nil {
			succeeded++
		} else {
			requireCode(t, verifyErr, service.CodeMFAInvalid)
		}
	}
	require.Equal(t, 1, succeeded)

	status, err := f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 9, status.BackupCodesLeft)
}

func TestBackupCodeIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "backup@example.com")
	enrollTOTP(t, f, user.ID)

	codes, err := f.mfaSvc.GenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)

	challengeID := mustChallenge(t, f, user.ID)
	lowered := " " + stringToLower(codes[3]) + " "
	_, err = f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodBackup, lowered, "10.0.0.1", "test-agent")
	require.NoError(t, err)
}

func TestRegeneratingBackupCodesInvalidatesOldBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "backup@example.com")
	enrollTOTP(t, f, user.ID)

	old, err := f.mfaSvc.GenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)
	fresh, err := f.mfaSvc.GenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)

	challengeID := mustChallenge(t, f, user.ID)
	_, err = f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodBackup, old[0], "10.0.0.1", "test-agent")
	requireCode(t, err, service.CodeMFAInvalid)

	challengeID = mustChallenge(t, f, user.ID)
	_, err = f.mfaSvc.VerifyChallenge(ctx, challengeID, domain.MethodBackup, fresh[0], "10.0.0.1", "test-agent")
	require.NoError(t, err)
}

func TestBackupCodesRequireEnabledMFA(t *testing.T) {
	f := newFixture(t)
	user := seedUser(t, f, "backup@example.com")

	_, err := f.mfaSvc.GenerateBackupCodes(context.Background(), user.ID)
	requireCode(t, err, service.CodeValidation)
}

func TestChallengeOffersBackupMethodWhenCodesRemain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "methods@example.com")
	enrollTOTP(t, f, user.ID)

	challenge, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	require.NoError(t, err)
	require.NotContains(t, challenge.Methods, domain.MethodBackup)

	_, err = f.mfaSvc.GenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)

	challenge, err = f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	require.NoError(t, err)
	require.Contains(t, challenge.Methods, domain.MethodBackup)
}

func TestDisableRequiresPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "disable@example.com")
	enrollTOTP(t, f, user.ID)

	err := f.mfaSvc.Disable(ctx, user.ID, domain.MethodTOTP, "Wr0ng-Password!")
	requireCode(t, err, service.CodeInvalidCredentials)

	require.NoError(t, f.mfaSvc.Disable(ctx, user.ID, domain.MethodTOTP, testPassword))

	status, err := f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, status.IsEnabled)
	require.Empty(t, status.EnabledMethods)
	require.Zero(t, status.BackupCodesLeft)
}

func TestDisableUnknownMethod(t *testing.T) {
	f := newFixture(t)
	user := seedUser(t, f, "disable@example.com")
	enrollTOTP(t, f, user.ID)

	err := f.mfaSvc.Disable(context.Background(), user.ID, domain.MethodSMS, testPassword)
	requireCode(t, err, service.CodeNotFound)
}

func TestDisableLastMethodWithoutPasswordOrProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Provider-created account with no password.
	user := f.addUser(domain.User{Email: "sso@example.com", Status: domain.StatusActive})
	enrollTOTP(t, f, user.ID)

	err := f.mfaSvc.Disable(ctx, user.ID, domain.MethodTOTP, "")
	requireCode(t, err, service.CodeLastMethod)

	// With a provider link remaining the account keeps a sign-in path, but a
	// passwordless account still cannot confirm with a password.
	_, err = f.links.Create(ctx, domain.ProviderLink{UserID: user.ID, Provider: "google", ProviderID: "ext-9"})
	require.NoError(t, err)
	err = f.mfaSvc.Disable(ctx, user.ID, domain.MethodTOTP, "")
	requireCode(t, err, service.CodeInvalidCredentials)
}

func TestDisableRepointsPrimaryMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := seedUser(t, f, "primary@example.com")
	enrollTOTP(t, f, user.ID)
	enrollEmail(t, f, user.ID, user.Email)

	require.NoError(t, f.mfaSvc.Disable(ctx, user.ID, domain.MethodTOTP, testPassword))

	status, err := f.mfaSvc.Status(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, status.IsEnabled)
	require.Equal(t, domain.MethodEmail, status.PrimaryMethod)
	require.Equal(t, []string{domain.MethodEmail}, status.EnabledMethods)
}

func TestDailySendCap(t *testing.T) {
	f := newFixtureWith(t, func(c *config.Config) { c.EmailDailyCap = 3 })
	ctx := context.Background()
	user := seedUser(t, f, "cap@example.com")
	enrollEmail(t, f, user.ID, user.Email)

	for i := 0; i < 3; i++ {
		_, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
		require.NoError(t, err)
	}
	_, err := f.mfaSvc.IssueChallenge(ctx, user.ID, device())
	requireCode(t, err, service.CodeMFATooMany)
}

func TestDailySendCapAppliesBeforeFirstMethod(t *testing.T) {
	f := newFixtureWith(t, func(c *config.Config) { c.SMSDailyCap = 2 })
	ctx := context.Background()
	user := seedUser(t, f, "pump@example.com")

	// No method is enabled yet; the cap still holds for setup deliveries.
	for i := 0; i < 2; i++ {
		_, err := f.mfaSvc.Setup(ctx, user.ID, domain.MethodSMS, "+15550009999")
		require.NoError(t, err)
	}
	_, err := f.mfaSvc.Setup(ctx, user.ID, domain.MethodSMS, "+15550009999")
	requireCode(t, err, service.CodeMFATooMany)
	require.Len(t, f.sender.sent, 2)
}

func TestSetupUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	user := seedUser(t, f, "method@example.com")

	_, err := f.mfaSvc.Setup(context.Background(), user.ID, "carrier-pigeon", "")
	requireCode(t, err, service.CodeValidation)
}

// enrollEmail enables a verified email method directly on the configuration.
func enrollEmail(t *testing.T, f *fixture, userID int64, contact string) {
	t.Helper()
	cfg, err := f.mfaRepo.Get(context.Background(), userID)
	require.NoError(t, err)
	cfg.Email = domain.DeliveryMethod{Contact: contact, Verified: true}
	if !cfg.HasMethod(domain.MethodEmail) {
		cfg.EnabledMethods = append(cfg.EnabledMethods, domain.MethodEmail)
	}
	if !cfg.IsEnabled {
		cfg.IsEnabled = true
		cfg.PrimaryMethod = domain.MethodEmail
	}
	require.NoError(t, f.mfaRepo.Upsert(context.Background(), cfg))
}

func mustChallenge(t *testing.T, f *fixture, userID int64) string {
	t.Helper()
	challenge, err := f.mfaSvc.IssueChallenge(context.Background(), userID, device())
	require.NoError(t, err)
	return challenge.ChallengeID
}

func stringToLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}
