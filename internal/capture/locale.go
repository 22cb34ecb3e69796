package capture

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

const defaultLocale = "en"

// NormalizeLocale canonicalizes a BCP 47 tag such as "de_DE" or "pt-br".
// Unparseable or empty input falls back to English.
func NormalizeLocale(value string) string {
	value = strings.ReplaceAll(strings.TrimSpace(value), "_", "-")
	if value == "" {
		return defaultLocale
	}
	tag, err := language.Parse(value)
	if err != nil || tag == language.Und {
		return defaultLocale
	}
	return tag.String()
}

// LanguageName returns the English display name of a locale ("German" for
// "de-DE"), or the tag itself when no name is known.
func LanguageName(locale string) string {
	tag, err := language.Parse(NormalizeLocale(locale))
	if err != nil {
		return locale
	}
	base, _ := tag.Base()
	if name := display.Languages(language.English).Name(language.Make(base.String())); name != "" {
		return name
	}
	return tag.String()
}
