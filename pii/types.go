package pii

// Type is the closed set of PII categories the proxy knows how to redact.
type Type string

const (
	TypePerson        Type = "PERSON"
	TypeEmail         Type = "EMAIL"
	TypePhone         Type = "PHONE"
	TypeAddress       Type = "ADDRESS"
	TypeSSN           Type = "SSN"
	TypeCreditCard    Type = "CREDIT_CARD"
	TypeBankAccount   Type = "BANK_ACCOUNT"
	TypeDateOfBirth   Type = "DATE_OF_BIRTH"
	TypePassport      Type = "PASSPORT"
	TypeDriverLicense Type = "DRIVER_LICENSE"
	TypeIPAddress     Type = "IP_ADDRESS"
	TypeURL           Type = "URL"
	TypeUsername      Type = "USERNAME"
	TypePassword      Type = "PASSWORD"
	TypeMedicalID     Type = "MEDICAL_ID"
	TypeNationalID    Type = "NATIONAL_ID"
	TypeTaxID         Type = "TAX_ID"
)

// DefaultRiskWeight is the score contributed by an entity whose type has no
// explicit weight entry.
const DefaultRiskWeight = 5

// riskWeights maps each PII type to the points it adds to a session's risk
// score when detected.
var riskWeights = map[Type]int{
	TypePassword:      30,
	TypeSSN:           25,
	TypeCreditCard:    25,
	TypeBankAccount:   20,
	TypePassport:      20,
	TypeMedicalID:     20,
	TypeNationalID:    20,
	TypeTaxID:         20,
	TypeDriverLicense: 15,
	TypePhone:         10,
	TypeAddress:       10,
	TypePerson:        5,
	TypeEmail:         5,
	TypeDateOfBirth:   5,
	TypeIPAddress:     5,
	TypeUsername:      5,
	TypeURL:           2,
}

// RiskWeight returns the risk points for a PII type.
func RiskWeight(t Type) int {
	if w, ok := riskWeights[t]; ok {
		return w
	}
	return DefaultRiskWeight
}

// Entity is a located, typed span of PII inside one scanned text.
// StartPos/EndPos are half-open byte offsets into the original text, so
// text[StartPos:EndPos] == Text always holds for entities produced by the
// locator.
type Entity struct {
	Text       string  `json:"text"`
	Type       Type    `json:"type"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// Overlaps reports whether two half-open spans intersect.
func (e Entity) Overlaps(other Entity) bool {
	return e.StartPos < other.EndPos && e.EndPos > other.StartPos
}

// RawToken is a single classified sub-word token as returned by a token
// classification backend. Character offsets are optional: the hosted model
// service does not provide them, the in-process ONNX backend does.
type RawToken struct {
	Label    string  `json:"label"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Index    int     `json:"index"`
	StartPos int     `json:"start_pos"`
	EndPos   int     `json:"end_pos"`
	// HasOffset is true when StartPos/EndPos are trustworthy character
	// offsets into the classified text.
	HasOffset bool `json:"has_offset"`
}
