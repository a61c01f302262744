// Package transcript renders stored sessions as readable documents.
package transcript

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/internal/store"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "txt"
)

func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(value) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "txt", "text":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown transcript format %q", value)
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	if f == FormatText {
		return "txt"
	}
	return "md"
}

// Document is a session transcript with its gaps, ordered by turn sequence.
type Document struct {
	SessionID string                 `json:"session_id"`
	Session   *conversations.Session `json:"session,omitempty"`
	Entries   []Entry                `json:"entries"`
}

// Entry is either a segment or a gap.
type Entry struct {
	Sequence  uint64               `json:"sequence"`
	Role      conversations.Role   `json:"role,omitempty"`
	Text      string               `json:"text,omitempty"`
	Source    conversations.Source `json:"source,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Persona   string               `json:"persona,omitempty"`
	// Gap is the reason a detected turn has no text.
	Gap string `json:"gap,omitempty"`
}

// Load collects a document from the store. A session missing from the
// sessions table still exports its segments.
func Load(ctx context.Context, reader store.Reader, sessionID string) (Document, error) {
	doc := Document{SessionID: sessionID}
	if session, err := reader.Session(ctx, sessionID); err == nil {
		doc.Session = &session
	}

	segments, err := reader.Transcript(ctx, sessionID)
	if err != nil {
		return Document{}, fmt.Errorf("load transcript: %w", err)
	}
	gaps, err := reader.IncompleteTurns(ctx, sessionID)
	if err != nil {
		return Document{}, fmt.Errorf("load incomplete turns: %w", err)
	}
	transitions, err := reader.PersonaTransitions(ctx, sessionID)
	if err != nil {
		return Document{}, fmt.Errorf("load persona transitions: %w", err)
	}

	doc.Entries = merge(segments, gaps, transitions)
	return doc, nil
}

func merge(segments []conversations.TranscriptSegment, gaps []store.IncompleteTurn, transitions []store.PersonaTransition) []Entry {
	entries := make([]Entry, 0, len(segments)+len(gaps))
	i, j := 0, 0
	for i < len(segments) || j < len(gaps) {
		if j >= len(gaps) || (i < len(segments) && segments[i].TurnSequence <= gaps[j].TurnSequence) {
			segment := segments[i]
			entries = append(entries, Entry{
				Sequence:  segment.TurnSequence,
				Role:      segment.Role,
				Text:      segment.Text,
				Source:    segment.Source,
				Timestamp: segment.Timestamp,
			})
			// A persisted segment wins over a gap recorded for the same turn.
			if j < len(gaps) && gaps[j].TurnSequence == segment.TurnSequence {
				j++
			}
			i++
			continue
		}
		gap := gaps[j]
		entries = append(entries, Entry{Sequence: gap.TurnSequence, Timestamp: gap.RecordedAt, Gap: gap.Reason})
		j++
	}

	persona := ""
	k := 0
	for n := range entries {
		for k < len(transitions) && transitions[k].TurnSequence <= entries[n].Sequence {
			persona = transitions[k].Persona
			k++
		}
		entries[n].Persona = persona
	}
	return entries
}

// Write renders doc in format.
func Write(w io.Writer, doc Document, format Format, exportedAt time.Time) error {
	var b strings.Builder
	switch format {
	case FormatText:
		writeText(&b, doc, exportedAt)
	default:
		writeMarkdown(&b, doc, exportedAt)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func speaker(role conversations.Role) string {
	if role == conversations.RoleUser {
		return "Teacher"
	}
	return "Student"
}

func agentLabel(entry Entry) string {
	if entry.Role == conversations.RoleAgent && entry.Persona == "expert" {
		return "Expert"
	}
	return speaker(entry.Role)
}

func writeMarkdown(b *strings.Builder, doc Document, exportedAt time.Time) {
	fmt.Fprintf(b, "# Conversation %s\n\n", doc.SessionID)
	fmt.Fprintf(b, "**Exported**: %s\n", exportedAt.Format(time.DateTime))
	if doc.Session != nil {
		fmt.Fprintf(b, "**Started**: %s\n", doc.Session.CreatedAt.Format(time.DateTime))
	}
	fmt.Fprintf(b, "**Turns**: %d\n\n---\n\n", len(doc.Entries))

	for _, entry := range doc.Entries {
		if entry.Gap != "" {
			fmt.Fprintf(b, "### #%d (missing)\n\n_%s_\n\n---\n\n", entry.Sequence, entry.Gap)
			continue
		}
		fmt.Fprintf(b, "### #%d **%s**\n", entry.Sequence, agentLabel(entry))
		fmt.Fprintf(b, "**Time**: %s\n", entry.Timestamp.Format(time.TimeOnly))
		fmt.Fprintf(b, "**Source**: %s\n\n", entry.Source)
		fmt.Fprintf(b, "%s\n\n---\n\n", entry.Text)
	}
}

func writeText(b *strings.Builder, doc Document, exportedAt time.Time) {
	rule := strings.Repeat("-", 60)
	fmt.Fprintf(b, "Conversation %s\n%s\n", doc.SessionID, strings.Repeat("=", 60))
	fmt.Fprintf(b, "Exported: %s\n", exportedAt.Format(time.DateTime))
	fmt.Fprintf(b, "Turns: %d\n\n", len(doc.Entries))

	for _, entry := range doc.Entries {
		if entry.Gap != "" {
			fmt.Fprintf(b, "#%d [missing]\n%s\n\n%s\n\n", entry.Sequence, entry.Gap, rule)
			continue
		}
		fmt.Fprintf(b, "#%d [%s] (%s)\n%s\n\n%s\n\n", entry.Sequence, agentLabel(entry), entry.Timestamp.Format(time.TimeOnly), entry.Text, rule)
	}
}
