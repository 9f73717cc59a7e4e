package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// params pins the argon2id cost profile for newly hashed credentials.
// Stored hashes carry their own parameters, so the profile can change
// without invalidating existing passwords.
type params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

var defaultParams = params{
	memory:  64 * 1024,
	time:    3,
	threads: 2,
	keyLen:  32,
	saltLen: 16,
}

var errInvalidHash = errors.New("invalid password hash")

// Hash derives an argon2id digest of the password and returns it in PHC
// string form with the parameters and salt embedded.
func Hash(password string) (string, error) {
	p := defaultParams
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	sum := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify recomputes the digest with the parameters embedded in the stored
// hash and compares in constant time.
func Verify(password, hash string) (bool, error) {
	p, salt, want, err := decodeHash(hash)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// decoyHash has the same shape and cost profile as a real credential hash.
const decoyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// VerifyDecoy burns a full argon2id verification against a throwaway hash.
// Login paths call it when no stored hash exists so the response takes as
// long as a genuine password check.
func VerifyDecoy(password string) {
	_, _ = Verify(password, decoyHash)
}

func decodeHash(hash string) (params, []byte, []byte, error) {
	rest, ok := strings.CutPrefix(hash, "$argon2id$")
	if !ok {
		return params{}, nil, nil, errInvalidHash
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 4 {
		return params{}, nil, nil, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[0], "v=%d", &version); err != nil || version != argon2.Version {
		return params{}, nil, nil, errInvalidHash
	}

	var p params
	var threads int
	if _, err := fmt.Sscanf(fields[1], "m=%d,t=%d,p=%d", &p.memory, &p.time, &threads); err != nil || threads < 1 || threads > 255 {
		return params{}, nil, nil, errInvalidHash
	}
	p.threads = uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return params{}, nil, nil, errInvalidHash
	}
	sum, err := base64.RawStdEncoding.DecodeString(fields[3])
	if err != nil {
		return params{}, nil, nil, errInvalidHash
	}
	return p, salt, sum, nil
}
