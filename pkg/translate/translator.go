package translate

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/text/language"

	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// Translator defines the interface for machine translation backends.
// Implementations see opaque text only; they know nothing about the
// structure the text was cut from.
type Translator interface {
	// Translate translates text from source language to target language.
	// Language codes are BCP 47 tags; each backend maps them to its own form.
	// Network errors, timeouts and non-success replies are reported as
	// failure.Transport.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	// CheckHealth verifies that the translation backend is ready and operational.
	CheckHealth(ctx context.Context) error

	// SupportedLanguages returns a list of language codes supported by this backend.
	SupportedLanguages(ctx context.Context) ([]string, error)
}

// Func adapts a plain function to the Translator interface. It reports
// itself healthy and claims no language list.
type Func func(ctx context.Context, text, sourceLang, targetLang string) (string, error)

// Translate calls f.
func (f Func) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return f(ctx, text, sourceLang, targetLang)
}

// CheckHealth always succeeds.
func (f Func) CheckHealth(context.Context) error { return nil }

// SupportedLanguages returns nil.
func (f Func) SupportedLanguages(context.Context) ([]string, error) { return nil, nil }

// Echo returns text unchanged.
func Echo() Translator {
	return Func(func(_ context.Context, text, _, _ string) (string, error) {
		return text, nil
	})
}

// LanguageMapper handles conversion between BCP 47 tags ("EN", "fr-CA",
// "zh-Hant") and the codes a backend expects.
type LanguageMapper struct {
	// keepChineseScript maps Chinese tags to zh-CN / zh-TW instead of the
	// bare base code.
	keepChineseScript bool
}

// NewLanguageMapper creates a mapper that reduces tags to their base language.
func NewLanguageMapper() *LanguageMapper {
	return &LanguageMapper{}
}

// NewRegionalLanguageMapper creates a mapper that keeps the simplified and
// traditional Chinese variants apart.
func NewRegionalLanguageMapper() *LanguageMapper {
	return &LanguageMapper{keepChineseScript: true}
}

// ToBackendCode converts a language tag to backend format.
// Examples:
//   - "EN" -> "en"
//   - "fr-CA" -> "fr"
//   - "zh-TW" -> "zh" (or "zh-TW" for a regional mapper)
//   - "auto" and "" -> "auto"
func (lm *LanguageMapper) ToBackendCode(tag string) string {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" || strings.EqualFold(trimmed, "auto") {
		return "auto"
	}

	t, err := language.Parse(trimmed)
	if err != nil {
		// Unknown to CLDR; pass the primary subtag through.
		lang := strings.ToLower(trimmed)
		if idx := strings.IndexAny(lang, "-_"); idx >= 0 {
			lang = lang[:idx]
		}
		return lang
	}

	base, _ := t.Base()
	if lm.keepChineseScript && base.String() == "zh" {
		if script, _ := t.Script(); script.String() == "Hant" {
			return "zh-TW"
		}
		return "zh-CN"
	}
	return base.String()
}

// transportError classifies err as a transport failure unless it already
// carries a kind.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := failure.As(err); ok {
		return err
	}
	return failure.New(failure.Transport, op, err)
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
