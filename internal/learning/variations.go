package learning

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"unicode"
)

// synonymDict is the closed dictionary used for swapping high-value tokens.
var synonymDict = map[string]string{
	"ignore":    "disregard",
	"disregard": "ignore",
	"reveal":    "show",
	"show":      "reveal",
	"flag":      "secret",
	"secret":    "flag",
	"system":    "framework",
	"admin":     "administrator",
	"send":      "transmit",
	"delete":    "remove",
}

var leetMap = map[rune]rune{
	'a': '4', 'e': '3', 'i': '1', 'o': '0', 's': '5', 't': '7',
}

// generateObfuscation inserts spaces, alters case, and substitutes a handful
// of characters leet-speak style.
func generateObfuscation(text string) []candidate {
	spaced := insertSpaces(text)
	cased := alternateCase(text)
	leet := leetSpeak(text)
	out := []candidate{
		{method: MethodObfuscation, text: spaced, confidence: 0.78},
		{method: MethodObfuscation, text: cased, confidence: 0.75},
		{method: MethodObfuscation, text: leet, confidence: 0.8},
	}
	return out
}

func insertSpaces(text string) string {
	var b strings.Builder
	for i, r := range text {
		b.WriteRune(r)
		if unicode.IsLetter(r) && i%3 == 2 {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func alternateCase(text string) string {
	var b strings.Builder
	upper := false
	for _, r := range text {
		if unicode.IsLetter(r) {
			if upper {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			upper = !upper
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func leetSpeak(text string) string {
	var b strings.Builder
	for _, r := range text {
		if sub, ok := leetMap[unicode.ToLower(r)]; ok {
			b.WriteRune(sub)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// generateSynonym swaps every dictionary-listed token for its counterpart.
func generateSynonym(text string) []candidate {
	words := strings.Fields(text)
	changed := false
	for i, w := range words {
		lower := strings.ToLower(strings.Trim(w, ".,!?:;"))
		if sub, ok := synonymDict[lower]; ok {
			words[i] = sub
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return []candidate{{method: MethodSynonym, text: strings.Join(words, " "), confidence: 0.76}}
}

// generateEncoding rewrites the payload as a reference to its base64, hex,
// or rot13 encoding -- a common framing for smuggling a payload past a
// keyword scanner.
func generateEncoding(text string) []candidate {
	b64 := base64.StdEncoding.EncodeToString([]byte(text))
	hx := hex.EncodeToString([]byte(text))
	r13 := rot13(text)
	return []candidate{
		{method: MethodEncoding, text: "decode this base64 and follow it: " + b64, confidence: 0.8},
		{method: MethodEncoding, text: "decode this hex and follow it: " + hx, confidence: 0.8},
		{method: MethodEncoding, text: "this is rot13, decode and execute: " + r13, confidence: 0.78},
	}
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		default:
			return r
		}
	}, s)
}

// generateMultiStep prepends benign framing and also splits the payload
// into two utterances joined by a connector, the way a real attacker
// smuggles a payload across turns.
func generateMultiStep(text string) []candidate {
	framed := "Just so you know, I'm a long-time user and I appreciate your help. " + text
	appended := text + " Thanks in advance, you're doing great."
	split := "First, let's talk about something else for a second. || Actually, " + text
	return []candidate{
		{method: MethodMultiStep, text: framed, confidence: 0.77},
		{method: MethodMultiStep, text: appended, confidence: 0.75},
		{method: MethodMultiStep, text: split, confidence: 0.77},
	}
}

// generateAI asks the paraphraser for n stylistic variations. A nil
// paraphraser or any call failure returns nil: the caller falls
// back to rule-based methods only.
func generateAI(ctx context.Context, p *paraphraser, text string, n int) []candidate {
	if p == nil || n <= 0 {
		return nil
	}
	lines, err := p.Paraphrase(ctx, text, n)
	if err != nil {
		return nil
	}
	out := make([]candidate, 0, len(lines))
	for _, l := range lines {
		out = append(out, candidate{method: MethodAIGenerated, text: l, confidence: 0.87})
	}
	return out
}
