// Package protect implements the whole-document transport strategy: the
// document is serialized, object keys are swapped for #n# placeholders and
// JSON punctuation for guarded numeric codes, so the translator sees one
// block of text it cannot break structurally.
//
//	{"title":"Hi","n":3}  ->  @123@@34@#0#@34@@58@@34@Hi@34@@44@@34@#1#@34@:3@125@
//
// A colon directly followed by a digit is left alone so numbers stay
// attached to their separator.
package protect

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"github.com/dasmlab/jsonrelay/pkg/document"
	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// DefaultGuard wraps the numeric symbol codes.
const DefaultGuard = "@"

// symbols are the characters replaced by guarded codes.
var symbols = []byte{'{', '}', '[', ']', ',', ':', '"'}

// ErrPlaceholderInPayload is returned when the document already contains
// text that would be mistaken for a symbol placeholder.
var ErrPlaceholderInPayload = errors.New("document contains placeholder-like text")

// KeyMap records which placeholder stands for which object key. It is built
// fresh for every translation call and never shared.
type KeyMap struct {
	next     int
	original map[string]string
}

// NewKeyMap returns an empty KeyMap whose counter starts at zero.
func NewKeyMap() *KeyMap {
	return &KeyMap{original: make(map[string]string)}
}

func (m *KeyMap) assign(key string) string {
	ph := "#" + strconv.Itoa(m.next) + "#"
	m.next++
	m.original[ph] = key
	return ph
}

// Original returns the key recorded for placeholder.
func (m *KeyMap) Original(placeholder string) (string, bool) {
	k, ok := m.original[placeholder]
	return k, ok
}

// Len returns the number of placeholders handed out.
func (m *KeyMap) Len() int { return len(m.original) }

// Protector converts documents to and from placeholder-protected text.
type Protector struct {
	guard string
	// codes maps each protected symbol to its placeholder.
	codes map[byte]string
	// byDigits maps a placeholder's digits back to its symbol.
	byDigits map[string]byte
	// loose matches a placeholder as a translator may return it: padded
	// with spaces, with a full-width guard or full-width digits.
	loose *regexp.Regexp
	// ambiguous matches payload text that would fuse with a neighbouring
	// placeholder: the guard followed by a digit.
	ambiguous *regexp.Regexp
}

// New returns a Protector using guard around symbol codes. guard must be
// non-empty and free of letters, digits, whitespace and JSON punctuation.
func New(guard string) (*Protector, error) {
	if guard == "" {
		guard = DefaultGuard
	}
	for _, r := range guard {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || strings.ContainsRune(`{}[],:"#\`, r) {
			return nil, fmt.Errorf("invalid guard %q: %q is not allowed", guard, r)
		}
	}

	codes := make(map[byte]string, len(symbols))
	byDigits := make(map[string]byte, len(symbols))
	for _, s := range symbols {
		digits := strconv.Itoa(int(s))
		codes[s] = guard + digits + guard
		byDigits[digits] = s
	}
	g := guardPattern(guard)
	return &Protector{
		guard:     guard,
		codes:     codes,
		byDigits:  byDigits,
		loose:     regexp.MustCompile(g + `[\s\p{Zs}]*([0-9０-９]+)[\s\p{Zs}]*` + g),
		ambiguous: regexp.MustCompile(g + `[\s\p{Zs}]*[0-9０-９]`),
	}, nil
}

func guardPattern(guard string) string {
	var b strings.Builder
	for _, r := range guard {
		narrow := width.Narrow.String(string(r))
		wide := width.Widen.String(string(r))
		b.WriteString("(?:" + regexp.QuoteMeta(narrow))
		if wide != narrow {
			b.WriteString("|" + regexp.QuoteMeta(wide))
		}
		b.WriteString(")")
	}
	return b.String()
}

// Protect serializes v with every object key replaced by a placeholder
// recorded in keys, then replaces JSON punctuation with guarded codes.
// Text where the guard is followed by a digit ("ping me @34") is rejected
// with failure.InvalidRequest, since it cannot be told apart from a code
// once the closing quote's placeholder is appended.
func (p *Protector) Protect(v document.Value, keys *KeyMap) (string, error) {
	keyed := replaceKeys(v, keys)
	raw, err := document.MarshalString(keyed)
	if err != nil {
		return "", fmt.Errorf("serialize document: %w", err)
	}
	if p.ambiguous.MatchString(raw) {
		return "", failure.New(failure.InvalidRequest, "protect", ErrPlaceholderInPayload)
	}
	return p.replaceSymbols(raw), nil
}

// replaceKeys assigns placeholders in pre-order: a key gets its number
// before any key nested inside its value.
func replaceKeys(v document.Value, keys *KeyMap) document.Value {
	switch v.Kind() {
	case document.Array:
		items := v.Items()
		for i := range items {
			items[i] = replaceKeys(items[i], keys)
		}
		return document.ArrayValue(items...)
	case document.Object:
		members := v.Members()
		for i, m := range members {
			ph := keys.assign(m.Key)
			members[i] = document.M(ph, replaceKeys(m.Value, keys))
		}
		return document.ObjectValue(members...)
	default:
		return v
	}
}

func (p *Protector) replaceSymbols(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) * 3)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		code, ok := p.codes[c]
		if !ok || (c == ':' && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteString(code)
	}
	return b.String()
}

// Unprotect reverses the symbol substitution on translated text in a single
// left-to-right pass, so a code is never matched across the boundary of its
// neighbour (the "123" in @34@123@34@ stays text). Spacing and full-width
// forms the translator introduced inside a placeholder are tolerated, and
// full-width punctuation outside string literals (a "：３" after a key) is
// folded back to ASCII. Anything else is left for the parser to reject.
func (p *Protector) Unprotect(text string) string {
	text = p.loose.ReplaceAllStringFunc(text, func(m string) string {
		digits := width.Narrow.String(p.loose.FindStringSubmatch(m)[1])
		if s, ok := p.byDigits[digits]; ok {
			return string(s)
		}
		return p.guard + digits + p.guard
	})
	return foldOutsideStrings(text)
}

var punctuation = strings.NewReplacer("，", ",", "、", ",", "：", ":", "；", ";")

// foldOutsideStrings narrows full-width characters everywhere except inside
// JSON string literals.
func foldOutsideStrings(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	start, inString, escaped := 0, false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			if !inString {
				b.WriteString(fold(text[start:i]))
				start = i
			} else {
				b.WriteString(text[start : i+1])
				start = i + 1
			}
			inString = !inString
		}
	}
	if inString {
		b.WriteString(text[start:])
	} else {
		b.WriteString(fold(text[start:]))
	}
	return b.String()
}

func fold(s string) string {
	if s == "" {
		return s
	}
	return width.Narrow.String(punctuation.Replace(s))
}

// Restore turns translated protected text back into a document shaped like
// original. Placeholders missing from keys are kept verbatim as key names.
// Unparseable text, duplicate restored keys, or a shape different from
// original fail with failure.ReassemblyParse.
func (p *Protector) Restore(text string, keys *KeyMap, original document.Value) (document.Value, error) {
	plain := p.Unprotect(text)
	parsed, err := document.ParseString(plain)
	if err != nil {
		return document.Value{}, failure.New(failure.ReassemblyParse, "restore", err)
	}

	restored, err := restoreKeys(parsed, keys)
	if err != nil {
		return document.Value{}, err
	}
	if !document.SameShape(original, restored) {
		return document.Value{}, failure.New(failure.ReassemblyParse, "restore",
			errors.New("translated document no longer matches the input shape"))
	}
	return restored, nil
}

func restoreKeys(v document.Value, keys *KeyMap) (document.Value, error) {
	switch v.Kind() {
	case document.Array:
		items := v.Items()
		for i := range items {
			nv, err := restoreKeys(items[i], keys)
			if err != nil {
				return document.Value{}, err
			}
			items[i] = nv
		}
		return document.ArrayValue(items...), nil
	case document.Object:
		members := v.Members()
		seen := make(map[string]bool, len(members))
		for i, m := range members {
			ph := strings.TrimSpace(m.Key)
			key, ok := keys.Original(ph)
			if !ok {
				key = ph
			}
			if seen[key] {
				return document.Value{}, failure.Newf(failure.ReassemblyParse, "restore", "duplicate key %q after restoring placeholders", key)
			}
			seen[key] = true
			nv, err := restoreKeys(m.Value, keys)
			if err != nil {
				return document.Value{}, err
			}
			members[i] = document.M(key, nv)
		}
		return document.ObjectValue(members...), nil
	default:
		return v, nil
	}
}
