package password

import "unicode"

// Policy requirements: minimum 8 characters with at least one uppercase
// letter, one lowercase letter, one digit, and one special character.
const MinLength = 8

// PolicyViolation describes a single unmet password requirement.
type PolicyViolation struct {
	Field   string
	Message string
}

// ValidatePolicy returns every requirement the candidate password fails.
// An empty slice means the password is acceptable.
func ValidatePolicy(password string) []PolicyViolation {
	var violations []PolicyViolation

	if len(password) < MinLength {
		violations = append(violations, PolicyViolation{Field: "password", Message: "must be at least 8 characters"})
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		violations = append(violations, PolicyViolation{Field: "password", Message: "must contain an uppercase letter"})
	}
	if !hasLower {
		violations = append(violations, PolicyViolation{Field: "password", Message: "must contain a lowercase letter"})
	}
	if !hasDigit {
		violations = append(violations, PolicyViolation{Field: "password", Message: "must contain a digit"})
	}
	if !hasSpecial {
		violations = append(violations, PolicyViolation{Field: "password", Message: "must contain a special character"})
	}

	return violations
}
