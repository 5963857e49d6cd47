package joincode

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Alphabet excludes 0/O, 1/I and other lookalikes so codes survive being
// read off a TV screen and typed on a phone.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const Length = 5

// Generate produces a join code drawn uniformly from Alphabet.
// Collision handling is the store's problem at session-creation time.
func Generate() (string, error) {
	code := make([]byte, Length)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(Alphabet))))
		if err != nil {
			return "", err
		}
		code[i] = Alphabet[num.Int64()]
	}
	return string(code), nil
}

// Normalize maps whatever the user typed onto the canonical form.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate accepts any 4-6 character alphanumeric string, deliberately
// looser than what Generate produces, to tolerate manual entry.
func Validate(code string) bool {
	code = Normalize(code)
	if len(code) < 4 || len(code) > 6 {
		return false
	}
	for _, r := range code {
		alnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			return false
		}
	}
	return true
}
