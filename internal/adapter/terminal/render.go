package terminal

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"llm-playground/internal/domain"
)

// RelativeTime returns a short human-readable age of t as seen at now.
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("Jan 2 15:04")
	}
}

// WriteConversationList writes one line per conversation, in the order given.
func WriteConversationList(w io.Writer, convs []domain.Conversation, now time.Time) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return
	}
	for _, c := range convs {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			styleMuted.Render(c.ID),
			styleBold.Render(titleOf(c)),
			providerLabel(c),
			styleMuted.Render(RelativeTime(c.UpdatedAt, now)),
		)
	}
}

func titleOf(c domain.Conversation) string {
	if c.Title == "" {
		return "(untitled)"
	}
	return c.Title
}

func providerLabel(c domain.Conversation) string {
	if c.Model == "" {
		return c.Provider
	}
	return c.Provider + "/" + c.Model
}

// Renderer writes full transcripts, rendering assistant replies as markdown.
type Renderer struct {
	width int
	md    *glamour.TermRenderer
}

// NewRenderer creates a renderer that wraps markdown at width columns.
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 100
	}
	return &Renderer{width: width}
}

// Markdown renders content for the terminal, falling back to the raw text
// when rendering fails.
func (r *Renderer) Markdown(content string) string {
	if r.md == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(r.width),
		)
		if err != nil {
			return "  " + content
		}
		r.md = md
	}
	out, err := r.md.Render(content)
	if err != nil {
		return "  " + content
	}
	return out
}

// WriteTranscript writes the header of conv followed by every message.
func (r *Renderer) WriteTranscript(w io.Writer, conv *domain.Conversation, msgs []domain.Message) {
	fmt.Fprintln(w, styleBold.Render(titleOf(*conv)))
	fmt.Fprintln(w, styleMuted.Render(conv.ID+"  "+providerLabel(*conv)))
	if conv.BaseURL != "" {
		fmt.Fprintln(w, styleMuted.Render(conv.BaseURL))
	}
	fmt.Fprintln(w)

	for _, m := range msgs {
		label := roleLabel(m.Role)
		if badge := statusBadge(m.Status); badge != "" {
			label += " " + badge
		}
		fmt.Fprintln(w, label)

		switch m.Role {
		case domain.RoleAssistant:
			if m.Content != "" {
				fmt.Fprint(w, r.Markdown(m.Content))
			}
		case domain.RoleSystem:
			fmt.Fprintln(w, styleMuted.Render(indent(m.Content)))
		default:
			fmt.Fprintln(w, indent(m.Content))
		}
		fmt.Fprintln(w)
	}
}

func roleLabel(role domain.Role) string {
	switch role {
	case domain.RoleUser:
		return styleUserLabel.Render("you")
	case domain.RoleAssistant:
		return styleAssistantLabel.Render("assistant")
	default:
		return styleMuted.Render(string(role))
	}
}

// statusBadge marks messages that did not complete normally.
func statusBadge(s domain.MessageStatus) string {
	switch s {
	case domain.StatusFailed:
		return styleError.Render("(failed)")
	case domain.StatusCancelled:
		return styleWarning.Render("(cancelled)")
	case domain.StatusPending, domain.StatusStreaming:
		return styleWarning.Render("(incomplete)")
	}
	return ""
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
