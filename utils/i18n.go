package utils

import (
	"embed"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFS embed.FS

var (
	// Bundle is the global translation bundle
	Bundle *i18n.Bundle
	// Localizer is the default localizer
	Localizer *i18n.Localizer

	supported = []language.Tag{language.English, language.Japanese}
	matcher   = language.NewMatcher(supported)

	i18nOnce sync.Once
)

// InitI18n loads the embedded message files
func InitI18n() error {
	Bundle = i18n.NewBundle(language.English)
	Bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	for _, file := range []string{"locales/active.en.toml", "locales/active.ja.toml"} {
		if _, err := Bundle.LoadMessageFileFS(localeFS, file); err != nil {
			return err
		}
	}

	Localizer = i18n.NewLocalizer(Bundle, language.English.String())
	Log.Debug("i18n system initialized")
	return nil
}

// MatchLanguage picks the best supported language for an Accept-Language value
func MatchLanguage(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English.String()
	}
	_, idx, _ := matcher.Match(tags...)
	base, _ := supported[idx].Base()
	return base.String()
}

// GetLocalizer returns a localizer for the specified language
func GetLocalizer(lang string) *i18n.Localizer {
	i18nOnce.Do(func() {
		if Bundle != nil {
			return
		}
		if err := InitI18n(); err != nil {
			Log.Warn("Failed to initialize i18n: %v", err)
		}
	})
	if lang == "" {
		lang = "en"
	}
	return i18n.NewLocalizer(Bundle, lang)
}

// T translates a message ID, returning the ID itself when no translation exists
func T(localizer *i18n.Localizer, messageID string) string {
	if localizer == nil {
		localizer = GetLocalizer("en")
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID: messageID,
	})
	if err != nil {
		Log.Debug("Translation error for '%s': %v", messageID, err)
		return messageID
	}
	return msg
}
