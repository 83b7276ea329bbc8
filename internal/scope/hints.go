package scope

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"scopes/internal/rpc"
	"scopes/internal/variant"
)

// DefaultLocale is used when the caller names none.
const DefaultLocale = "C"

// SearchMetadata carries the caller's hints for a query.
type SearchMetadata struct {
	Locale      string
	FormFactor  string
	Cardinality int
}

// NewSearchMetadata normalizes locale ("en-us", "en_US.UTF-8") to the
// underscore form ("en_US"). An empty locale, "C", and "POSIX" become "C".
func NewSearchMetadata(locale, formFactor string) (SearchMetadata, error) {
	normalized, err := NormalizeLocale(locale)
	if err != nil {
		return SearchMetadata{}, err
	}
	if strings.TrimSpace(formFactor) == "" {
		return SearchMetadata{}, &rpc.ArgumentError{Op: "SearchMetadata()", Message: "form factor cannot be empty"}
	}
	return SearchMetadata{Locale: normalized, FormFactor: strings.TrimSpace(formFactor)}, nil
}

func NormalizeLocale(locale string) (string, error) {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	switch locale {
	case "", "C", "POSIX":
		return DefaultLocale, nil
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return "", &rpc.ArgumentError{Op: "SearchMetadata()", Message: fmt.Sprintf("invalid locale %q: %v", locale, err)}
	}
	base, _ := tag.Base()
	region, conf := tag.Region()
	if conf == language.Exact {
		return base.String() + "_" + region.String(), nil
	}
	return base.String(), nil
}

func (s SearchMetadata) Serialize() variant.Map {
	return variant.Map{
		"locale":      variant.String(s.Locale),
		"form_factor": variant.String(s.FormFactor),
		"cardinality": variant.Int(int64(s.Cardinality)),
	}
}

func DeserializeSearchMetadata(v variant.Map) (SearchMetadata, error) {
	var s SearchMetadata
	s.Locale, _ = v.OptString("locale")
	if s.Locale == "" {
		s.Locale = DefaultLocale
	}
	s.FormFactor, _ = v.OptString("form_factor")
	if c, err := v.Int("cardinality"); err == nil {
		if c < 0 {
			return SearchMetadata{}, &rpc.ArgumentError{Op: "SearchMetadata::deserialize()", Message: "cardinality cannot be negative"}
		}
		s.Cardinality = int(c)
	}
	return s, nil
}
