package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/keelproxy/keel/pii/generators"
)

// PasswordMarker replaces detected passwords. Passwords never get a
// plausible fake: that would imply the replacement is a working credential.
const PasswordMarker = "[REDACTED-PASSWORD]"

// Replacer generates fake values for detected PII. In deterministic mode the
// same (original, type, salt) triple always yields the same replacement, so
// every occurrence of one literal value maps to one fake value across a
// session and across process restarts.
type Replacer struct {
	salt          string
	deterministic bool
}

// NewReplacer creates a deterministic replacer keyed by salt.
func NewReplacer(salt string) *Replacer {
	return &Replacer{salt: salt, deterministic: true}
}

// NewSimpleReplacer creates a replacer that emits bare [TYPE] markers for
// callers that do not need referential integrity.
func NewSimpleReplacer() *Replacer {
	return &Replacer{}
}

// Generate returns the replacement value for one detected entity.
func (r *Replacer) Generate(original string, piiType Type) string {
	if !r.deterministic {
		return typeMarker(piiType)
	}
	if piiType == TypePassword {
		return PasswordMarker
	}

	gen, ok := typeGenerators[piiType]
	if !ok {
		return typeMarker(piiType)
	}

	rng := rand.New(rand.NewSource(seedFor(r.salt, original))) // #nosec G404 -- seeded from a keyed hash, not used for security
	return gen(rng, original)
}

// seedFor derives a 32-bit seed from HMAC-SHA256(salt, original), truncated
// from the hex digest.
func seedFor(salt, original string) int64 {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(original))
	digest := hex.EncodeToString(mac.Sum(nil))

	seed, err := strconv.ParseUint(digest[:8], 16, 32)
	if err != nil {
		// Unreachable: the digest is always valid hex.
		return 0
	}
	return int64(seed)
}

func typeMarker(piiType Type) string {
	return fmt.Sprintf("[%s]", piiType)
}

var typeGenerators = map[Type]func(*rand.Rand, string) string{
	TypePerson:        generators.Person,
	TypeEmail:         generators.Email,
	TypePhone:         generators.Phone,
	TypeAddress:       generators.Address,
	TypeSSN:           generators.SSN,
	TypeCreditCard:    generators.CreditCard,
	TypeBankAccount:   generators.BankAccount,
	TypeDateOfBirth:   generators.DateOfBirth,
	TypePassport:      generators.Passport,
	TypeDriverLicense: generators.DriverLicense,
	TypeIPAddress:     generators.IPAddress,
	TypeURL:           generators.URL,
	TypeUsername:      generators.Username,
	TypeMedicalID:     generators.MedicalID,
	TypeNationalID:    generators.NationalID,
	TypeTaxID:         generators.TaxID,
}
