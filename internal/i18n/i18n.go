// Package i18n renders the status and result messages of the recognition
// loop in the supported languages.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Translator localizes message IDs. It is safe for concurrent use.
type Translator struct {
	bundle     *goi18n.Bundle
	defaultTag language.Tag
	matcher    language.Matcher
	localizers map[string]*goi18n.Localizer
	tags       []language.Tag
}

// NewTranslator loads the embedded catalogs. defaultLanguage is used when no
// requested language is supported.
func NewTranslator(defaultLanguage string) (*Translator, error) {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	defaultTag, err := language.Parse(defaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", defaultLanguage, err)
	}

	bundle := goi18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := locales.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	t := &Translator{
		bundle:     bundle,
		defaultTag: defaultTag,
		localizers: make(map[string]*goi18n.Localizer),
	}
	for _, f := range files {
		if _, err := bundle.LoadMessageFileFS(locales, path.Join("locales", f.Name())); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f.Name(), err)
		}
	}

	// default first so the matcher falls back to it
	t.tags = []language.Tag{defaultTag}
	for _, tag := range bundle.LanguageTags() {
		if tag != defaultTag {
			t.tags = append(t.tags, tag)
		}
	}
	for _, tag := range t.tags {
		t.localizers[tag.String()] = goi18n.NewLocalizer(bundle, tag.String(), defaultTag.String())
	}
	t.matcher = language.NewMatcher(t.tags)
	log.Debugf("Loaded translations for %v", t.tags)
	return t, nil
}

// Languages returns the supported language codes, default first.
func (t *Translator) Languages() []string {
	out := make([]string, len(t.tags))
	for i, tag := range t.tags {
		out[i] = tag.String()
	}
	return out
}

// Default returns the default language code.
func (t *Translator) Default() string {
	return t.defaultTag.String()
}

// Match picks the best supported language for the given preferences, each
// either a language code or an Accept-Language header value.
func (t *Translator) Match(preferences ...string) string {
	var wanted []language.Tag
	for _, p := range preferences {
		if strings.TrimSpace(p) == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		wanted = append(wanted, tags...)
	}
	if len(wanted) == 0 {
		return t.Default()
	}
	_, index, confidence := t.matcher.Match(wanted...)
	if confidence == language.No {
		return t.Default()
	}
	return t.tags[index].String()
}

// Localize renders id in lang, filling data into the template. Unknown
// languages fall back to the default; unknown IDs render as the ID.
func (t *Translator) Localize(lang, id string, data map[string]any) string {
	loc, ok := t.localizers[lang]
	if !ok {
		loc = t.localizers[t.Default()]
	}
	text, err := loc.Localize(&goi18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		log.Debugf("Missing translation %s/%s: %v", lang, id, err)
		return id
	}
	return text
}

// Message renders a status or result message carrying an optional name.
func (t *Translator) Message(lang, id, name string) string {
	return t.Localize(lang, id, map[string]any{"Name": name})
}
