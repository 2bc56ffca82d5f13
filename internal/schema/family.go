package schema

import "strings"

// Family is a coarse type classification bucket used to judge whether two
// dialect-specific type spellings mean the same thing.
type Family string

const (
	FamilyLargeObject Family = "large-object"
	FamilyBoolean     Family = "boolean"
	FamilyDate        Family = "date"
	FamilyTime        Family = "time"
	FamilyNumeric     Family = "numeric"
	FamilyFloat       Family = "floating-point"
	FamilyInteger     Family = "integer"
	FamilyCharacter   Family = "character"
	FamilyText        Family = "text"
	FamilyUnknown     Family = "unknown"
)

// familyRules is ordered by specificity: the first matching rule wins.
// "blob"/"clob" contain "lob", so the large-object rule must run before
// boolean; "timestamp" contains "time", so time must run before text.
var familyRules = []struct {
	family   Family
	keywords []string
}{
	{FamilyLargeObject, []string{"lob", "bytea", "binary"}},
	{FamilyBoolean, []string{"bool"}},
	{FamilyDate, []string{"date"}},
	{FamilyTime, []string{"time"}},
	{FamilyNumeric, []string{"num", "dec"}},
	{FamilyFloat, []string{"float", "double", "real"}},
	{FamilyInteger, []string{"int", "serial"}},
	{FamilyCharacter, []string{"char"}},
	{FamilyText, []string{"text"}},
}

// Classify maps a raw type name onto its family. Names that match no rule
// classify as FamilyUnknown.
func Classify(typeName string) Family {
	name := normalizeTypeName(typeName)
	for _, rule := range familyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(name, kw) {
				return rule.family
			}
		}
	}
	return FamilyUnknown
}

// AmbiguousFamilies reports every family whose keywords match the type name.
// A result longer than one means the name straddles families and the fixed
// rule order decided its classification; callers should log such names.
func AmbiguousFamilies(typeName string) []Family {
	name := normalizeTypeName(typeName)
	var matched []Family
	for _, rule := range familyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(name, kw) {
				matched = append(matched, rule.family)
				break
			}
		}
	}
	return matched
}

// Compatible reports whether a declared type and an observed live type are
// close enough to leave the column alone. Exact spellings match immediately;
// otherwise both names must classify into the same known family. Pure and
// deterministic, no I/O.
func Compatible(declared, observed string) bool {
	d := normalizeTypeName(declared)
	o := normalizeTypeName(observed)
	if d == o {
		return true
	}
	df := Classify(d)
	if df == FamilyUnknown {
		return false
	}
	return df == Classify(o)
}

// normalizeTypeName lowercases a type name and strips length or precision
// arguments, so "VARCHAR(255)" compares as "varchar".
func normalizeTypeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '('); i >= 0 {
		if j := strings.IndexByte(name, ')'); j > i {
			name = name[:i] + name[j+1:]
		} else {
			name = name[:i]
		}
	}
	return strings.TrimSpace(name)
}
