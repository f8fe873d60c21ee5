package middleware

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	// LanguageKey is the context and session key of the selected language
	LanguageKey = "language"
	// TranslatorKey is the context key of the translator
	TranslatorKey = "translator"
)

// LanguageMatcher picks a supported language from user preferences
type LanguageMatcher interface {
	Match(preferences ...string) string
	Languages() []string
}

// I18n selects the response language. A ?lang= query parameter wins and is
// remembered in the session; otherwise the session value is used, then the
// Accept-Language header, then the default language.
func I18n(translator LanguageMatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)

		var lang string
		if q := c.Query("lang"); q != "" && supported(translator, q) {
			lang = q
			session.Set(LanguageKey, lang)
			if err := session.Save(); err != nil {
				log.Debugf("Failed to save language in session: %v", err)
			}
		} else if v, ok := session.Get(LanguageKey).(string); ok && supported(translator, v) {
			lang = v
		} else {
			lang = translator.Match(c.GetHeader("Accept-Language"))
		}

		c.Set(LanguageKey, lang)
		c.Set(TranslatorKey, translator)
		c.Next()
	}
}

func supported(translator LanguageMatcher, lang string) bool {
	for _, l := range translator.Languages() {
		if l == lang {
			return true
		}
	}
	return false
}

// Language returns the language selected for the request, or fallback
// when the middleware did not run
func Language(c *gin.Context, fallback string) string {
	if lang := c.GetString(LanguageKey); lang != "" {
		return lang
	}
	return fallback
}
