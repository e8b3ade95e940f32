package backend

import "strings"

// Class is the advisory category of a start failure.
type Class string

const (
	ClassNone             Class = "none"
	ClassUnknown          Class = "unknown"
	ClassPortInUse        Class = "port_in_use"
	ClassPermissionDenied Class = "permission_denied"
	ClassBadExecutable    Class = "bad_executable"
	ClassAssetsMissing    Class = "assets_missing"
	ClassClientMissing    Class = "client_missing"
)

type classRule struct {
	patterns []string
	class    Class
	hint     string
}

// classRules is evaluated in order; the first rule with a matching pattern wins.
var classRules = []classRule{
	{[]string{"address already in use", "bind:"}, ClassPortInUse, "port already occupied"},
	{[]string{"permission denied"}, ClassPermissionDenied, "executable lacks run permission"},
	{[]string{"exec format error", "not executable"}, ClassBadExecutable, "wrong platform build or corrupted binary"},
	{[]string{"assets decks path error", "assets catalog is empty"}, ClassAssetsMissing, "required runtime assets missing"},
	{[]string{"client dist root does not contain index.html"}, ClassClientMissing, "bundled web client missing"},
}

// Classify maps diagnostic text (usually the last stderr line) to a Class.
func Classify(text string) Class {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return ClassNone
	}
	for _, r := range classRules {
		for _, p := range r.patterns {
			if strings.Contains(t, p) {
				return r.class
			}
		}
	}
	return ClassUnknown
}

// Hint returns the human-readable explanation for class. Unknown failures
// surface the raw text; ClassNone has no hint.
func Hint(class Class, raw string) string {
	switch class {
	case ClassNone:
		return ""
	case ClassUnknown:
		return strings.TrimSpace(raw)
	}
	for _, r := range classRules {
		if r.class == class {
			return r.hint
		}
	}
	return strings.TrimSpace(raw)
}

// Describe classifies text and returns both class and hint.
func Describe(text string) (Class, string) {
	c := Classify(text)
	return c, Hint(c, text)
}
