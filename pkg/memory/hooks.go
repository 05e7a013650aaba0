package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halvard/mimir/internal/journal"
	"github.com/halvard/mimir/internal/observability"
	"github.com/halvard/mimir/internal/tracing"
	"github.com/halvard/mimir/pkg/capture"
	"github.com/halvard/mimir/pkg/hooks"
	"github.com/halvard/mimir/pkg/viking"
)

// transcriptNudge is appended to the prepended context when the user pasted
// a multi-speaker transcript. Without it the model tends to answer every
// line of a text that was only meant to be remembered.
const transcriptNudge = "The user pasted a conversation transcript. It is being saved to memory; acknowledge it briefly instead of replying line by line."

// captureSweepTimeout bounds the end-of-turn sweep. Extraction involves a
// model call on the backend, hence the generous allowance.
const captureSweepTimeout = 60 * time.Second

// Name implements hooks.Listener.
func (s *Service) Name() string { return "memory" }

// BeforeAgentStart recalls memories relevant to the latest user text and
// returns them as a fenced context block. Every failure is logged and
// swallowed; the turn proceeds without memories rather than breaking.
func (s *Service) BeforeAgentStart(ctx context.Context, event hooks.BeforeAgentStartEvent) (*hooks.BeforeAgentStartResult, error) {
	s.mu.RLock()
	capCfg := s.captureCfg
	recCfg := s.recallCfg
	classifier := s.classifier
	s.mu.RUnlock()

	prompt := latestUserText(event)
	query := capture.Normalize(prompt)

	var sections []string
	if recCfg.Enabled && query != "" {
		memories, err := s.Recall(ctx, query, RecallOptions{ForInjection: true, ScoreThreshold: -1})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Recall failed; continuing without injected memories")
		} else if len(memories) > 0 {
			sections = append(sections, InjectionBlock(memories))
		}
	}
	if capCfg.Enabled {
		if d := classifier.DetectTranscript(prompt, capCfg.MinSpeakerTurns, capCfg.MinTranscriptChars); d.Assist {
			s.logger.Debug().Int("speaker_turns", d.SpeakerTurns).Msg("Transcript ingest detected")
			sections = append(sections, transcriptNudge)
		}
	}
	if len(sections) == 0 {
		return nil, nil
	}
	return &hooks.BeforeAgentStartResult{PrependContext: strings.Join(sections, "\n\n")}, nil
}

// AgentEnd classifies the turn's user messages and captures the accepted
// ones. The sweep runs on a detached context so the host tearing the turn
// down cannot abort a write already in flight. Failures are logged and
// swallowed.
func (s *Service) AgentEnd(ctx context.Context, event hooks.AgentEndEvent) error {
	s.mu.RLock()
	capCfg := s.captureCfg
	classifier := s.classifier
	s.mu.RUnlock()

	if !capCfg.Enabled {
		return nil
	}

	var accepted []string
	for _, msg := range event.Messages {
		if msg.Role != "user" {
			continue
		}
		d := classifier.Decide(msg.Content)
		observability.RecordCaptureDecision(d.Reason)
		s.journalRecord(ctx, journal.Entry{
			Kind:     journal.KindCaptureDecision,
			Reason:   d.Reason,
			TextHash: journal.HashText(msg.Content),
		})
		s.logger.Debug().Str("reason", d.Reason).Bool("capture", d.Capture).Msg("Capture decision")
		if d.Capture {
			accepted = append(accepted, d.Text)
		}
	}
	if len(accepted) == 0 {
		return nil
	}

	sweepCtx, cancel := context.WithTimeout(tracing.CloneContext(ctx), captureSweepTimeout)
	defer cancel()
	if _, err := s.CaptureTexts(sweepCtx, accepted, "user"); err != nil {
		s.logger.Warn().Err(err).Msg("Capture sweep failed")
	}
	return nil
}

// InjectionBlock renders memories as the fenced block prepended to the
// model's context. The fence tag is what Normalize strips back out of later
// user text, so recalled content never re-captures.
func InjectionBlock(memories []viking.Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```")
	b.WriteString(capture.InjectedContextTag)
	b.WriteString("\n")
	b.WriteString("Relevant memories from previous conversations:\n")
	for _, m := range memories {
		if m.Category != "" {
			fmt.Fprintf(&b, "- [%s] %s (score %.2f)\n", m.Category, m.Text(), m.Score)
		} else {
			fmt.Fprintf(&b, "- %s (score %.2f)\n", m.Text(), m.Score)
		}
	}
	b.WriteString("```")
	return b.String()
}

// latestUserText prefers the newest non-empty user message and falls back
// to the raw prompt.
func latestUserText(event hooks.BeforeAgentStartEvent) string {
	for i := len(event.Messages) - 1; i >= 0; i-- {
		msg := event.Messages[i]
		if msg.Role == "user" && strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	return event.Prompt
}
