// Package glossary bundles a small French→English dictionary used as the
// fallback when a generated heading merely echoes the source token instead
// of translating it.
package glossary

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
)

//go:embed fr_en.json
var rawGlossary []byte

var (
	once    sync.Once
	entries map[string]string
)

func load() {
	entries = make(map[string]string)
	var raw map[string]string
	if err := json.Unmarshal(rawGlossary, &raw); err != nil {
		// The embedded file ships with the binary; a parse failure here
		// means a broken build, and the glossary degrades to empty.
		return
	}
	for fr, en := range raw {
		entries[normalize(fr)] = en
	}
}

// normalize lowercases and strips the leading elision (l', d', qu', ...) so
// "l'impôt" and "Impôt" hit the same entry.
func normalize(token string) string {
	t := strings.ToLower(strings.TrimSpace(token))
	for _, prefix := range []string{"l'", "l’", "d'", "d’", "qu'", "qu’", "j'", "j’", "s'", "s’", "n'", "n’"} {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimPrefix(t, prefix)
		}
	}
	return t
}

// Lookup returns the English gloss for a French token, if the bundled
// dictionary has one.
func Lookup(token string) (string, bool) {
	once.Do(load)
	en, ok := entries[normalize(token)]
	return en, ok
}

// Size reports how many entries the bundled dictionary carries.
func Size() int {
	once.Do(load)
	return len(entries)
}
