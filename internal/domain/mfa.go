package domain

import "time"

// MFA methods.
const (
	MethodTOTP   = "totp"
	MethodSMS    = "sms"
	MethodEmail  = "email"
	MethodBackup = "backup"
)

// MFA lockout policy: five consecutive failures lock verification for 30
// minutes. The lock duration is fixed per lock event, not cumulative.
const (
	MFAMaxConsecutiveFailures = 5
	MFALockDuration           = 30 * time.Minute
	VerificationHistoryLimit  = 100
)

// MFAConfig is the per-user multi-factor configuration (1:1 with User).
type MFAConfig struct {
	UserID              int64
	IsEnabled           bool
	PrimaryMethod       string
	EnabledMethods      []string
	TOTP                TOTPMethod
	SMS                 DeliveryMethod
	Email               DeliveryMethod
	ConsecutiveFailures int
	IsLocked            bool
	LockedUntil         *time.Time
	LockReason          string
	UpdatedAt           time.Time
}

// TOTPMethod holds the enrolled authenticator parameters. Secret is write-only
// and must never appear in API responses or logs.
type TOTPMethod struct {
	Secret    string `json:"-"`
	Verified  bool
	Algorithm string
	Digits    int
	Period    int
}

// DeliveryMethod covers SMS and email one-time code delivery.
type DeliveryMethod struct {
	Contact    string
	Verified   bool
	SentToday  int
	CountReset time.Time
}

// HasMethod reports whether the method is enabled for this configuration.
func (c MFAConfig) HasMethod(method string) bool {
	for _, m := range c.EnabledMethods {
		if m == method {
			return true
		}
	}
	return false
}

// LockActive reports whether the MFA lock is still in force at now.
func (c MFAConfig) LockActive(now time.Time) bool {
	return c.IsLocked && c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// BackupCode is a single-use recovery credential. Only the hash is stored.
type BackupCode struct {
	ID        int64
	UserID    int64
	CodeHash  string
	IsUsed    bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// VerificationRecord is one entry of the bounded verification audit trail.
type VerificationRecord struct {
	UserID        int64
	Method        string
	Success       bool
	IP            string
	UserAgent     string
	FailureReason string
	Timestamp     time.Time
}

// MFAChallenge represents a pending "second factor required" login step.
type MFAChallenge struct {
	ID        string
	UserID    int64
	Methods   []string
	Device    DeviceInfo
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PendingSetup holds enrollment material issued by Setup until VerifySetup
// confirms it. Stored out of band with a TTL, never on the user row.
type PendingSetup struct {
	UserID    int64
	Method    string
	Secret    string `json:"-"`
	Contact   string
	CodeHash  string `json:"-"`
	ExpiresAt time.Time
}
