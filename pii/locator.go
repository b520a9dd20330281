package pii

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// tagTable maps normalized classifier tags (after stripping the B-/I- BIO
// prefix) to PII types. Tags absent from this table, including the literal
// "O", terminate the current token run.
var tagTable = map[string]Type{
	"PERSON":           TypePerson,
	"NAME":             TypePerson,
	"FIRSTNAME":        TypePerson,
	"SURNAME":          TypePerson,
	"GIVENNAME":        TypePerson,
	"LASTNAME":         TypePerson,
	"EMAIL":            TypeEmail,
	"PHONE":            TypePhone,
	"TELEPHONENUM":     TypePhone,
	"ADDRESS":          TypeAddress,
	"STREET":           TypeAddress,
	"STREETADDRESS":    TypeAddress,
	"SSN":              TypeSSN,
	"SOCIALNUM":        TypeSSN,
	"CREDIT_CARD":      TypeCreditCard,
	"CREDITCARDNUMBER": TypeCreditCard,
	"BANK_ACCOUNT":     TypeBankAccount,
	"ACCOUNTNUM":       TypeBankAccount,
	"DATE_OF_BIRTH":    TypeDateOfBirth,
	"DATEOFBIRTH":      TypeDateOfBirth,
	"PASSPORT":         TypePassport,
	"PASSPORTNUM":      TypePassport,
	"DRIVER_LICENSE":   TypeDriverLicense,
	"DRIVERLICENSENUM": TypeDriverLicense,
	"IP_ADDRESS":       TypeIPAddress,
	"IPADDRESS":        TypeIPAddress,
	"URL":              TypeURL,
	"USERNAME":         TypeUsername,
	"PASSWORD":         TypePassword,
	"MEDICAL_ID":       TypeMedicalID,
	"MEDICALID":        TypeMedicalID,
	"NATIONAL_ID":      TypeNationalID,
	"IDCARDNUM":        TypeNationalID,
	"TAX_ID":           TypeTaxID,
	"TAXNUM":           TypeTaxID,
}

const (
	// subwordMarker flags a WordPiece continuation fragment that glues
	// directly onto the previous fragment.
	subwordMarker = "##"
	// spaceMarker is the SentencePiece leading-space marker.
	spaceMarker = "▁"
	// minEntityLen suppresses one-character noise runs.
	minEntityLen = 2
)

// normalizeTag strips a BIO prefix and resolves the tag through the type
// table. ok is false for "O" and any unmapped tag.
func normalizeTag(label string) (Type, bool) {
	tag := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
	t, ok := tagTable[strings.ToUpper(tag)]
	return t, ok
}

// tokenRun is a maximal group of consecutive same-type tokens with
// contiguous indices.
type tokenRun struct {
	piiType Type
	tokens  []RawToken
}

// Locate recovers character-accurate entity spans from raw classifier output.
//
// The classifier reports labeled sub-word tokens but, for the hosted backend,
// no character positions. Runs of same-type tokens are re-joined into surface
// strings and then aligned against the original text with an overlap-safe,
// case-insensitive substring search. Runs whose text cannot be found
// (tokenizer reconstruction drift) are dropped silently: detection is
// best-effort.
//
// Tokens that carry offsets bypass the search entirely and take their span
// straight from the tokenizer.
func Locate(tokens []RawToken, text string) []Entity {
	var entities []Entity

	var run *tokenRun
	lastIndex := -2

	flush := func() {
		if run != nil {
			if e, ok := resolveRun(run, text, entities); ok {
				entities = append(entities, e)
			}
			run = nil
		}
	}

	for _, tok := range tokens {
		piiType, mapped := normalizeTag(tok.Label)
		if !mapped {
			flush()
			lastIndex = tok.Index
			continue
		}

		// An index gap means an unlabeled token sits between two
		// same-type tokens: not one physical entity.
		if run != nil && (run.piiType != piiType || tok.Index != lastIndex+1) {
			flush()
		}
		if run == nil {
			run = &tokenRun{piiType: piiType}
		}
		run.tokens = append(run.tokens, tok)
		lastIndex = tok.Index
	}
	flush()

	return entities
}

// resolveRun turns a closed run into an entity, or reports that the run is
// unusable (too short, or not locatable in the text).
func resolveRun(run *tokenRun, text string, accepted []Entity) (Entity, bool) {
	var score float64
	for _, tok := range run.tokens {
		score += tok.Score
	}
	confidence := score / float64(len(run.tokens))

	if start, end, ok := offsetSpan(run); ok {
		surface := strings.TrimSpace(text[start:end])
		if len(surface) < minEntityLen {
			return Entity{}, false
		}
		return Entity{
			Text:       text[start:end],
			Type:       run.piiType,
			StartPos:   start,
			EndPos:     end,
			Confidence: confidence,
		}, true
	}

	surface := joinRun(run.tokens)
	if len(surface) < minEntityLen {
		return Entity{}, false
	}

	start, end, ok := findSpan(text, surface, accepted)
	if !ok {
		return Entity{}, false
	}

	return Entity{
		Text:       text[start:end],
		Type:       run.piiType,
		StartPos:   start,
		EndPos:     end,
		Confidence: confidence,
	}, true
}

// offsetSpan returns the run's span when every token carries tokenizer
// offsets.
func offsetSpan(run *tokenRun) (int, int, bool) {
	for _, tok := range run.tokens {
		if !tok.HasOffset {
			return 0, 0, false
		}
	}
	return run.tokens[0].StartPos, run.tokens[len(run.tokens)-1].EndPos, true
}

// joinRun reassembles a run's surface fragments into the string the
// tokenizer originally split. Continuation fragments glue on directly; a
// leading-space marker contributes its space only once text has accumulated.
func joinRun(tokens []RawToken) string {
	var b strings.Builder
	for _, tok := range tokens {
		frag := tok.Text
		switch {
		case strings.HasPrefix(frag, subwordMarker):
			b.WriteString(strings.TrimPrefix(frag, subwordMarker))
		case strings.HasPrefix(frag, spaceMarker):
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(strings.TrimPrefix(frag, spaceMarker))
		case strings.HasPrefix(frag, " "):
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(strings.TrimLeft(frag, " "))
		default:
			b.WriteString(frag)
		}
	}
	return strings.TrimSpace(b.String())
}

// findSpan locates surface inside text case-insensitively, skipping any
// candidate that overlaps an already accepted span. The cursor advances past
// each rejected match so duplicate literal values resolve to distinct spans.
// Matching folds rune-by-rune over the original text, so the returned span
// is in original-byte space even when case folding changes byte lengths
// (ToLower shrinks U+0130 and grows U+023A).
func findSpan(text, surface string, accepted []Entity) (int, int, bool) {
	cursor := 0
	for cursor <= len(text) {
		start, end, ok := foldIndex(text, surface, cursor)
		if !ok {
			return 0, 0, false
		}

		candidate := Entity{StartPos: start, EndPos: end}
		overlapping := false
		for _, a := range accepted {
			if candidate.Overlaps(a) {
				overlapping = true
				break
			}
		}
		if !overlapping {
			return start, end, true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		cursor = start + size
	}
	return 0, 0, false
}

// foldIndex finds the first case-insensitive occurrence of surface in
// text[from:], returning its byte span in text.
func foldIndex(text, surface string, from int) (int, int, bool) {
	for i := from; i < len(text); {
		if end, ok := foldMatch(text, surface, i); ok {
			return i, end, true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return 0, 0, false
}

// foldMatch reports whether surface matches text at byte offset at under
// Unicode simple case folding, and where the match ends in text.
func foldMatch(text, surface string, at int) (int, bool) {
	i := at
	for _, want := range surface {
		if i >= len(text) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(text[i:])
		if !foldEqual(got, want) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func foldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}
