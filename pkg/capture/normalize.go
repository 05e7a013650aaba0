package capture

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// InjectedContextTag is the fence info string used when recalled memories are
// prepended to a prompt. Normalize strips these blocks so injected context is
// never re-captured as user memory.
const InjectedContextTag = "relevant-memories"

var (
	injectedBlockRe = regexp.MustCompile("(?s)```" + InjectedContextTag + "[^\n]*\n.*?```")

	// A recognized metadata label followed by a fenced block, e.g.
	// "Conversation info:\n```json\n{...}\n```". Chat channels prepend these
	// around relayed messages.
	labeledMetaRe = regexp.MustCompile("(?is)(?:conversation (?:info|metadata)|message (?:info|metadata)|channel (?:info|metadata)|会话信息|消息元数据)[^\n]*\n```[a-zA-Z0-9]*[ \t]*\n.*?```")

	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n(\\{.*?\\})\n[ \t]*```")

	// "[10:42] ..." or "[2026-08-22 10:42:03 UTC] ...". Anchored; applied in a
	// loop so stacked prefixes cannot survive a single pass.
	leadingStampRe = regexp.MustCompile(`^\s*\[[^\[\]\n]*\d{1,2}:\d{2}[^\[\]\n]*\]\s*`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// metadataKeys is the vocabulary used to recognize relay-metadata JSON blocks.
var metadataKeys = map[string]struct{}{
	"session_id": {}, "sessionid": {}, "channel": {}, "channel_id": {},
	"chat_id": {}, "sender": {}, "sender_id": {}, "from": {}, "user_id": {},
	"timestamp": {}, "ts": {}, "message_id": {}, "msg_id": {}, "thread_id": {},
}

// Normalize strips injected memory context, relay metadata blocks, leading
// timestamp prefixes and null bytes, then collapses whitespace. It is total
// and idempotent: block patterns require real newlines, which collapsed text
// no longer has.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = injectedBlockRe.ReplaceAllString(text, " ")
	text = labeledMetaRe.ReplaceAllString(text, " ")
	text = fencedJSONRe.ReplaceAllStringFunc(text, func(block string) string {
		sub := fencedJSONRe.FindStringSubmatch(block)
		if len(sub) == 2 && metadataKeyCount(sub[1]) >= 3 {
			return " "
		}
		return block
	})

	for {
		next := leadingStampRe.ReplaceAllString(text, "")
		if next == text {
			break
		}
		text = next
	}

	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// HasInjectedContext reports whether raw text contains an injected memory
// context block. Used to distinguish "the prompt was only injected context"
// from genuinely empty input.
func HasInjectedContext(text string) bool {
	return injectedBlockRe.MatchString(text)
}

func metadataKeyCount(raw string) int {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return 0
	}
	n := 0
	for k := range obj {
		if _, ok := metadataKeys[strings.ToLower(k)]; ok {
			n++
		}
	}
	return n
}

// significantLength counts runes that are neither whitespace nor punctuation.
// Length gates operate on this count so padding with dots or spaces does not
// qualify text for capture.
func significantLength(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		n++
	}
	return n
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// foldKey lowercases and strips punctuation/whitespace runs down to single
// spaces. Dedup keys for near-identical texts are derived from it.
func foldKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
