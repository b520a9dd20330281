// Package generators produces type-appropriate fake PII values. Every
// generator is driven by the caller's *rand.Rand so the same seed always
// yields the same value.
package generators

import (
	"fmt"
	"math/rand"
	"strings"
)

var firstNames = []string{
	// Western names
	"John", "Jane", "Michael", "Sarah", "David", "Emily", "James", "Emma",
	"Robert", "Olivia", "William", "Elizabeth", "Thomas", "Jessica",
	// Asian names
	"Wei", "Mei", "Hiroshi", "Yuki", "Jin", "Min", "Raj", "Priya",
	// African names
	"Amara", "Kofi", "Zara", "Kwame", "Nia", "Jelani",
	// Middle Eastern names
	"Yusuf", "Fatima", "Omar", "Layla", "Ali", "Nadia",
	// Latin American names
	"Carlos", "Maria", "Diego", "Sofia", "Miguel", "Lucia",
	// Eastern European names
	"Dmitri", "Anna", "Ivan", "Katya", "Alexei", "Elena",
}

var lastNames = []string{
	"Doe", "Smith", "Johnson", "Brown", "Davis", "Wilson", "Moore", "Taylor",
	"Anderson", "Thomas", "Jackson", "White", "Harris", "Martin", "Thompson",
	"Chen", "Wang", "Kim", "Nguyen", "Tanaka", "Patel", "Singh",
	"Okonkwo", "Diallo", "Mensah", "Osei", "Abebe",
	"Mohammed", "Ahmed", "Hassan", "Khan",
	"Garcia", "Rodriguez", "Martinez", "Lopez", "Gonzalez",
	"Ivanov", "Petrov", "Kowalski", "Novak", "Horvat",
	"Murphy", "Kelly", "Sullivan",
}

var streetNames = []string{
	"Main St", "Oak Ave", "Maple Dr", "Park Blvd", "Elm Street", "Pine Road",
	"Cedar Lane", "Washington St", "Broadway", "Market St", "Church St",
	"Mill Road", "Lake Ave", "River Road", "Highland Ave", "Forest Dr",
	"Valley Road", "Spring St", "Lincoln Ave", "Madison Ave",
	"High Street", "Station Road", "Victoria Road", "Queens Road",
	"King Street", "Manor Road", "Park Lane", "Green Lane", "Chapel Street",
}

// RFC 2606 / RFC 6761 reserved domains only.
var domains = []string{
	"example.com", "example.org", "example.net",
	"test.com", "test.org", "test.net",
}

// Person generates a first and last name.
func Person(rng *rand.Rand, original string) string {
	first := firstNames[rng.Intn(len(firstNames))]
	last := lastNames[rng.Intn(len(lastNames))]
	return first + " " + last
}

// Email generates an address under a reserved example domain.
func Email(rng *rand.Rand, original string) string {
	first := strings.ToLower(firstNames[rng.Intn(len(firstNames))])
	last := strings.ToLower(lastNames[rng.Intn(len(lastNames))])
	domain := domains[rng.Intn(len(domains))]
	return fmt.Sprintf("%s.%s@%s", first, last, domain)
}

// Phone generates a NANP-shaped phone number.
func Phone(rng *rand.Rand, original string) string {
	areaCode := 200 + rng.Intn(800)
	exchange := 200 + rng.Intn(800)
	number := 1000 + rng.Intn(9000)

	formats := []string{"%d-%d-%d", "%d.%d.%d", "(%d) %d-%d"}
	format := formats[rng.Intn(len(formats))]
	return fmt.Sprintf(format, areaCode, exchange, number)
}

// Address generates a street address.
func Address(rng *rand.Rand, original string) string {
	number := 100 + rng.Intn(9900)
	street := streetNames[rng.Intn(len(streetNames))]
	return fmt.Sprintf("%d %s", number, street)
}

// SSN generates a number shaped like a US social security number.
func SSN(rng *rand.Rand, original string) string {
	first := 100 + rng.Intn(900)
	second := 10 + rng.Intn(90)
	third := 1000 + rng.Intn(9000)
	return fmt.Sprintf("%d-%d-%d", first, second, third)
}

// CreditCard generates four groups of four digits, matching the original's
// separator where one is present.
func CreditCard(rng *rand.Rand, original string) string {
	groups := make([]string, 4)
	for i := range groups {
		groups[i] = fmt.Sprintf("%d", 1000+rng.Intn(9000))
	}
	sep := " "
	if strings.Contains(original, "-") {
		sep = "-"
	} else if !strings.Contains(original, " ") {
		sep = ""
	}
	return strings.Join(groups, sep)
}

// BankAccount generates a 10-digit account number.
func BankAccount(rng *rand.Rand, original string) string {
	return fmt.Sprintf("%010d", rng.Int63n(1_000_000_0000))
}

// DateOfBirth generates a date between 1950 and 2005, matching the
// original's separator where one is visible.
func DateOfBirth(rng *rand.Rand, original string) string {
	year := 1950 + rng.Intn(55)
	month := 1 + rng.Intn(12)
	day := 1 + rng.Intn(28)

	if len(original) > 2 && (original[2] == '/' || original[2] == '-') {
		sep := string(original[2])
		return fmt.Sprintf("%02d%s%02d%s%d", month, sep, day, sep, year)
	}
	return fmt.Sprintf("%02d/%02d/%d", month, day, year)
}

// Passport generates a letter followed by eight digits.
func Passport(rng *rand.Rand, original string) string {
	letter := rune('A' + rng.Intn(26))
	return fmt.Sprintf("%c%08d", letter, rng.Intn(100_000_000))
}

// DriverLicense generates a letter followed by seven digits.
func DriverLicense(rng *rand.Rand, original string) string {
	letter := rune('A' + rng.Intn(26))
	return fmt.Sprintf("%c%07d", letter, rng.Intn(10_000_000))
}

// IPAddress generates an address inside the TEST-NET-3 documentation range.
func IPAddress(rng *rand.Rand, original string) string {
	return fmt.Sprintf("203.0.113.%d", rng.Intn(256))
}

// URL generates a path under a reserved example domain.
func URL(rng *rand.Rand, original string) string {
	domain := domains[rng.Intn(len(domains))]
	return fmt.Sprintf("https://%s/page-%d", domain, 100+rng.Intn(900))
}

// Username generates a neutral handle with a numeric suffix.
func Username(rng *rand.Rand, original string) string {
	prefixes := []string{
		"user", "person", "member", "account", "demo",
		"guest", "customer", "client", "visitor", "subscriber",
	}
	prefix := prefixes[rng.Intn(len(prefixes))]
	return fmt.Sprintf("%s%d", prefix, 1000+rng.Intn(9000))
}

// MedicalID generates an MRN-shaped identifier.
func MedicalID(rng *rand.Rand, original string) string {
	return fmt.Sprintf("MRN-%07d", rng.Intn(10_000_000))
}

// NationalID generates a nine-digit identifier.
func NationalID(rng *rand.Rand, original string) string {
	return fmt.Sprintf("%09d", rng.Intn(1_000_000_000))
}

// TaxID generates an EIN-shaped identifier.
func TaxID(rng *rand.Rand, original string) string {
	return fmt.Sprintf("%02d-%07d", 10+rng.Intn(90), rng.Intn(10_000_000))
}
