package web

import (
	"bytes"
	"context"
	"html"
	"log/slog"

	"github.com/yuin/goldmark"

	"github.com/teslashibe/voicebot/pkg/audio"
	"github.com/teslashibe/voicebot/pkg/hub"
	"github.com/teslashibe/voicebot/pkg/pipeline"
)

// TurnEvent is the payload of a hub.EventTurn frame.
type TurnEvent struct {
	pipeline.Turn
	HTML     string `json:"html"`
	AudioURL string `json:"audio_url,omitempty"`
}

// Display is a pipeline.Sink that pushes turns to websocket clients.
type Display struct {
	hub    *hub.Hub
	audio  *audio.Store
	md     goldmark.Markdown
	logger *slog.Logger
}

// NewDisplay creates a sink publishing on h. store, when set, turns
// audio references into /audio URLs.
func NewDisplay(h *hub.Hub, store *audio.Store, logger *slog.Logger) *Display {
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{
		hub:    h,
		audio:  store,
		md:     goldmark.New(),
		logger: logger.With("component", "web.display"),
	}
}

// Display implements pipeline.Sink.
func (d *Display) Display(_ context.Context, turn pipeline.Turn) {
	event := TurnEvent{Turn: turn, HTML: d.render(turn.Text)}
	if turn.AudioRef != "" && d.audio != nil {
		event.AudioURL = "/audio/" + d.audio.Name(turn.AudioRef)
	}
	if err := d.hub.Publish(hub.EventTurn, turn.SessionID, event); err != nil {
		d.logger.Warn("failed to publish turn", "error", err)
	}
}

// render converts reply markdown to HTML. Raw HTML in the text is
// dropped by goldmark's default renderer.
func (d *Display) render(text string) string {
	var buf bytes.Buffer
	if err := d.md.Convert([]byte(text), &buf); err != nil {
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return buf.String()
}

var _ pipeline.Sink = (*Display)(nil)
