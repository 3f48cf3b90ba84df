package auth

import (
	"errors"
	"regexp"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	// bcrypt rejects longer input.
	maxPasswordBytes = 72
)

var (
	emailRules = []validation.Rule{
		validation.Required.Error("email is required"),
		is.EmailFormat.Error("email is not a valid address"),
	}
	passwordRules = []validation.Rule{
		validation.Required.Error("password is required"),
		validation.RuneLength(minPasswordLength, 0).Error("password must be at least 6 characters"),
		validation.Length(0, maxPasswordBytes).Error("password must be at most 72 bytes"),
		validation.Match(regexp.MustCompile(`[A-Z]`)).Error("password must contain an upper-case letter"),
		validation.Match(regexp.MustCompile(`[a-z]`)).Error("password must contain a lower-case letter"),
		validation.Match(regexp.MustCompile(`[0-9]`)).Error("password must contain a digit"),
		validation.Match(regexp.MustCompile(`[^a-zA-Z0-9]`)).Error("password must contain a non-alphanumeric character"),
	}

	dummyHashOnce sync.Once
	dummyHash     string
)

// ValidateCredentials checks email format and password strength. Every
// violated rule is reported.
func ValidateCredentials(email, password string) error {
	var msgs []string
	msgs = appendViolations(msgs, normalizeEmail(email), emailRules)
	msgs = appendViolations(msgs, password, passwordRules)
	if len(msgs) > 0 {
		return &ValidationError{Messages: msgs}
	}
	return nil
}

func appendViolations(msgs []string, value string, rules []validation.Rule) []string {
	for _, rule := range rules {
		if err := validation.Validate(value, rule); err != nil {
			msgs = append(msgs, err.Error())
			if value == "" {
				break
			}
		}
	}
	return msgs
}

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// burnPasswordCheck spends the cost of one bcrypt comparison so a login for
// an unknown email takes as long as a wrong password.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("tweetbook-unknown-account"), bcrypt.DefaultCost)
		if err == nil {
			dummyHash = string(h)
		}
	})
	if dummyHash != "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
	}
}
