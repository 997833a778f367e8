package notification

import (
	"strings"

	"golang.org/x/text/language"
)

// DefaultFallbackLanguages is the priority order used when no translation
// matches the recipient's language.
var DefaultFallbackLanguages = []string{"en", "km"}

// normalizeTag lowercases and converts "en_US" to "en-us".
func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
}

// baseLanguage returns the ISO 639 base of tag ("en-US" -> "en").
func baseLanguage(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		if i := strings.IndexByte(tag, '-'); i > 0 {
			return tag[:i]
		}
		return tag
	}
	b, _ := t.Base()
	return b.String()
}

func (tr Translation) usable() bool {
	return strings.TrimSpace(tr.Title) != "" && strings.TrimSpace(tr.Body) != ""
}

// BestTranslation resolves the translation to render for lang:
// exact tag, then same base language, then each fallback language in order,
// then the first usable translation. Nil only when none is usable.
func BestTranslation(t *Template, lang string, fallback []string) *Translation {
	if t == nil {
		return nil
	}
	if len(fallback) == 0 {
		fallback = DefaultFallbackLanguages
	}
	want := append([]string{lang}, fallback...)

	for _, w := range want {
		if tr := findTranslation(t.Translations, w); tr != nil {
			return tr
		}
	}
	for i := range t.Translations {
		if t.Translations[i].usable() {
			return &t.Translations[i]
		}
	}
	return nil
}

func findTranslation(trs []Translation, lang string) *Translation {
	lang = normalizeTag(lang)
	if lang == "" {
		return nil
	}
	for i := range trs {
		if trs[i].usable() && normalizeTag(trs[i].Language) == lang {
			return &trs[i]
		}
	}
	base := baseLanguage(lang)
	for i := range trs {
		if trs[i].usable() && baseLanguage(normalizeTag(trs[i].Language)) == base {
			return &trs[i]
		}
	}
	return nil
}
