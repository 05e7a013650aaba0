package capture

import (
	"regexp"
	"unicode/utf8"
)

// Mode selects how survivors of the reject chain are accepted.
type Mode string

const (
	// ModeSemantic accepts everything the reject chain lets through and lets
	// the memory server's extraction decide what is worth keeping.
	ModeSemantic Mode = "semantic"
	// ModeKeyword additionally requires an explicit trigger pattern.
	ModeKeyword Mode = "keyword"
)

// Decision reason tags. Stable: they end up in logs, metrics labels and the
// operations journal.
const (
	ReasonEmptyText         = "empty_text"
	ReasonInjectedOnly      = "injected_memory_context_only"
	ReasonLengthOutOfRange  = "length_out_of_range"
	ReasonCommandText       = "command_text"
	ReasonNonContent        = "non_content"
	ReasonSubagentContext   = "subagent_context"
	ReasonQuestionOnly      = "question_only"
	ReasonNoTrigger         = "no_trigger_matched"
	ReasonSemanticCandidate = "semantic_candidate"
	ReasonMemoryVerb        = "memory_verb"
	ReasonContactInfo       = "contact_info"
	ReasonPreference        = "preference_statement"
	ReasonBelowMinChars     = "below_min_chars"
	ReasonFewSpeakerTurns   = "too_few_speaker_turns"
	ReasonTranscript        = "transcript_detected"
)

const (
	minSignificantRunes    = 10
	minSignificantRunesCJK = 4
	defaultMaxChars        = 4000

	// Texts longer than this are assumed to carry statements even when they
	// contain a question, so the question-only reject does not apply.
	questionOnlyMaxRunes = 280
)

var (
	slashCommandRe = regexp.MustCompile(`^/[a-zA-Z]`)
	subagentRe     = regexp.MustCompile(`(?i)\[sub-?agent(?:[ _:-][^\]]*)?\]`)

	// "Alice: hi" style tags, tolerant of collapsed whitespace. CJK names use
	// the full-width colon with no trailing space.
	speakerTagRe = regexp.MustCompile(`(?:^|\s)(?:[A-Z][A-Za-z0-9_.-]{0,31}:\s|[\p{Han}]{1,8}：)`)

	interrogativeRe = regexp.MustCompile(`(?i)[?？]|\b(?:who|what|when|where|why|how|which|whose)\b|什么|怎么|怎样|为什么|哪里|哪个|是谁|吗|呢`)

	memoryIntentRe = regexp.MustCompile(`(?i)\b(?:remember|memori[sz]e|don'?t forget|note (?:that|down)|save (?:this|that)|keep in mind|preference|prefer|favorite|favourite|my name is|call me|always|never)\b|记住|记下|别忘|保存|偏好|喜欢|规则|我叫|我是`)

	memoryVerbRe = regexp.MustCompile(`(?i)\b(?:remember|memori[sz]e|don'?t forget|note (?:down|that)|save (?:this|that)|keep in mind|write (?:this|that) down)\b|记住|记一下|别忘了|帮我记`)

	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d ().-]{7,}\d`)

	preferenceRe = regexp.MustCompile(`(?i)\b(?:i (?:prefer|like|love|hate|dislike|always|never|usually)|my (?:name|birthday|email|phone|address|favou?rite) (?:is|are)|call me|i'?m allergic)\b|我(?:更)?喜欢|我讨厌|我偏好|我(?:的名字)?叫|我是`)
)

// keywordTriggers is evaluated in order; the first match decides the reason.
var keywordTriggers = []struct {
	reason string
	re     *regexp.Regexp
}{
	{ReasonMemoryVerb, memoryVerbRe},
	{ReasonContactInfo, emailRe},
	{ReasonContactInfo, phoneRe},
	{ReasonPreference, preferenceRe},
}

// Decision is the classifier verdict. Text carries the normalized form, which
// is what gets sent to the memory server when Capture is true.
type Decision struct {
	Capture bool
	Reason  string
	Text    string
}

// TranscriptDecision reports whether pasted multi-speaker text should get a
// reply nudge while it is ingested for extraction.
type TranscriptDecision struct {
	Assist       bool
	Reason       string
	SpeakerTurns int
}

// Config controls classification. Zero values fall back to semantic mode and
// the default maximum length.
type Config struct {
	Mode     Mode
	MaxChars int
}

// Classifier applies the capture rule chain. Safe for concurrent use.
type Classifier struct {
	mode     Mode
	maxChars int
}

// rejectRule pairs a reason tag with its predicate. Rules run in order after
// the empty-text check; the first match rejects. Adding a rule means appending
// a pair, not growing a conditional.
type rejectRule struct {
	reason string
	match  func(c *Classifier, norm string) bool
}

var rejectRules = []rejectRule{
	{ReasonLengthOutOfRange, func(c *Classifier, norm string) bool {
		min := minSignificantRunes
		if containsCJK(norm) {
			min = minSignificantRunesCJK
		}
		if significantLength(norm) < min {
			return true
		}
		return utf8.RuneCountInString(norm) > c.maxChars
	}},
	{ReasonCommandText, func(_ *Classifier, norm string) bool {
		return slashCommandRe.MatchString(norm)
	}},
	{ReasonNonContent, func(_ *Classifier, norm string) bool {
		return !hasLetterOrDigit(norm)
	}},
	{ReasonSubagentContext, func(_ *Classifier, norm string) bool {
		return subagentRe.MatchString(norm)
	}},
	{ReasonQuestionOnly, func(_ *Classifier, norm string) bool {
		return isQuestionOnly(norm)
	}},
}

func NewClassifier(cfg Config) *Classifier {
	mode := cfg.Mode
	if mode != ModeKeyword {
		mode = ModeSemantic
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Classifier{mode: mode, maxChars: maxChars}
}

// Decide classifies raw conversational text. It never fails; a rejection is a
// Decision with Capture false and the reason of the first matching rule.
func (c *Classifier) Decide(text string) Decision {
	norm := Normalize(text)
	if norm == "" {
		reason := ReasonEmptyText
		if HasInjectedContext(text) {
			reason = ReasonInjectedOnly
		}
		return Decision{Reason: reason}
	}

	for _, r := range rejectRules {
		if r.match(c, norm) {
			return Decision{Reason: r.reason, Text: norm}
		}
	}

	if c.mode == ModeKeyword {
		for _, t := range keywordTriggers {
			if t.re.MatchString(norm) {
				return Decision{Capture: true, Reason: t.reason, Text: norm}
			}
		}
		return Decision{Reason: ReasonNoTrigger, Text: norm}
	}
	return Decision{Capture: true, Reason: ReasonSemanticCandidate, Text: norm}
}

// DetectTranscript decides whether text looks like a pasted multi-speaker
// transcript worth ingesting. It applies the command/subagent/non-content/
// question-only rejects, then its own length and speaker-turn floors.
func (c *Classifier) DetectTranscript(text string, minSpeakerTurns, minChars int) TranscriptDecision {
	norm := Normalize(text)
	if norm == "" {
		reason := ReasonEmptyText
		if HasInjectedContext(text) {
			reason = ReasonInjectedOnly
		}
		return TranscriptDecision{Reason: reason}
	}
	for _, r := range rejectRules[1:] {
		if r.match(c, norm) {
			return TranscriptDecision{Reason: r.reason}
		}
	}
	if utf8.RuneCountInString(norm) < minChars {
		return TranscriptDecision{Reason: ReasonBelowMinChars}
	}
	turns := len(speakerTagRe.FindAllString(norm, -1))
	if turns < minSpeakerTurns {
		return TranscriptDecision{Reason: ReasonFewSpeakerTurns, SpeakerTurns: turns}
	}
	return TranscriptDecision{Assist: true, Reason: ReasonTranscript, SpeakerTurns: turns}
}

func isQuestionOnly(norm string) bool {
	if !interrogativeRe.MatchString(norm) {
		return false
	}
	if memoryIntentRe.MatchString(norm) {
		return false
	}
	if len(speakerTagRe.FindAllString(norm, -1)) >= 2 {
		return false
	}
	return utf8.RuneCountInString(norm) <= questionOnlyMaxRunes
}

// RecentUnique walks texts newest to oldest, keeps the first occurrence per
// folded dedup key, caps the result at max (default 3) and restores
// chronological order. Duplicates across separate batches are not tracked.
func RecentUnique(texts []string, max int) []string {
	if max <= 0 {
		max = 3
	}
	seen := make(map[string]struct{}, len(texts))
	picked := make([]int, 0, max)
	for i := len(texts) - 1; i >= 0 && len(picked) < max; i-- {
		key := foldKey(Normalize(texts[i]))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		picked = append(picked, i)
	}
	out := make([]string, 0, len(picked))
	for j := len(picked) - 1; j >= 0; j-- {
		out = append(out, texts[picked[j]])
	}
	return out
}
