package auth

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/nbutton23/zxcvbn-go"
)

// ErrPasswordPolicy is the sentinel every *PolicyError unwraps to.
var ErrPasswordPolicy = errors.New("password policy violation")

// PolicyError explains which master password rule was not met.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

func (e *PolicyError) Unwrap() error { return ErrPasswordPolicy }

// Policy captures the master password requirements.
type Policy struct {
	MinLength int
	// MinScore is the minimum zxcvbn score (0-4). Zero disables the check.
	MinScore int
}

// DefaultPolicy requires eight characters with upper, lower and digit classes.
func DefaultPolicy() Policy {
	return Policy{MinLength: 8}
}

// ValidateMasterPassword applies the master password policy requirements.
func (p Policy) ValidateMasterPassword(pw string) error {
	if utf8.RuneCountInString(pw) < p.MinLength {
		return &PolicyError{Reason: fmt.Sprintf("password must be at least %d characters long", p.MinLength)}
	}
	if !hasClass(pw, unicode.IsUpper) {
		return &PolicyError{Reason: "password must include an uppercase letter"}
	}
	if !hasClass(pw, unicode.IsLower) {
		return &PolicyError{Reason: "password must include a lowercase letter"}
	}
	if !hasClass(pw, unicode.IsDigit) {
		return &PolicyError{Reason: "password must include a digit"}
	}
	if p.MinScore > 0 {
		if score := Strength(pw); score < p.MinScore {
			return &PolicyError{Reason: fmt.Sprintf("password is too guessable (strength %d of 4, need %d)", score, p.MinScore)}
		}
	}
	return nil
}

// Strength returns the zxcvbn score (0-4) for pw.
func Strength(pw string, userInputs ...string) int {
	return zxcvbn.PasswordStrength(pw, userInputs).Score
}

func hasClass(s string, is func(rune) bool) bool {
	for _, r := range s {
		if is(r) {
			return true
		}
	}
	return false
}
