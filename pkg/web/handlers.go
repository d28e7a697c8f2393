package web

import (
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/pkg/history"
	"github.com/teslashibe/voicebot/pkg/hub"
	"github.com/teslashibe/voicebot/pkg/pipeline"
	"github.com/teslashibe/voicebot/pkg/speech"
	"github.com/teslashibe/voicebot/pkg/timing"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Text string `json:"text"`
}

// TurnResponse is one turn of an interaction result.
type TurnResponse struct {
	Role     history.Role `json:"role"`
	Text     string       `json:"text"`
	AudioRef string       `json:"audio_ref,omitempty"`
	AudioURL string       `json:"audio_url,omitempty"`
}

// InteractionResponse is returned by chat, listen and voice.
type InteractionResponse struct {
	Session        string         `json:"session"`
	Empty          bool           `json:"empty"`
	Stopped        bool           `json:"stopped,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Turns          []TurnResponse `json:"turns,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
	PersistError   string         `json:"persist_error,omitempty"`
	SynthesisError string         `json:"synthesis_error,omitempty"`
	Timing         *TimingSummary `json:"timing,omitempty"`
}

// TimingSummary holds one interaction's stage times in seconds.
type TimingSummary struct {
	Response float64 `json:"response"`
	Audio    float64 `json:"audio"`
	Total    float64 `json:"total"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status      string                  `json:"status"`
	Session     string                  `json:"session"`
	State       string                  `json:"state"`
	Persistence pipeline.HealthSnapshot `json:"persistence"`
	Clients     int                     `json:"clients"`
	Sessions    []string                `json:"sessions"`
}

// sessionID returns the request's session. The id is copied because it
// is kept as a map key after the request buffer is reused.
func sessionID(c *fiber.Ctx) string {
	if id := strings.TrimSpace(c.Get(SessionHeader)); id != "" {
		return utils.CopyString(id)
	}
	return pipeline.DefaultSessionID
}

func (s *Server) coordinator(c *fiber.Ctx) *pipeline.Coordinator {
	return s.cfg.Registry.Get(sessionID(c))
}

// existing returns the request's coordinator without creating one, so
// read-only endpoints never add sessions.
func (s *Server) existing(c *fiber.Ctx) (string, *pipeline.Coordinator, bool) {
	id := sessionID(c)
	coord, ok := s.cfg.Registry.Lookup(id)
	return id, coord, ok
}

// errorHandler renders classified errors with their mapped status.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message, Kind: kindForStatus(fe.Code)})
	}

	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error(), Kind: kind})
}

func kindForStatus(status int) errs.Kind {
	switch status {
	case fiber.StatusNotFound:
		return errs.NotFound
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUpgradeRequired:
		return errs.InvalidInput
	default:
		return errs.Internal
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	id, coord, ok := s.existing(c)
	health := pipeline.HealthSnapshot{Healthy: true}
	state := pipeline.StateIdle
	if ok {
		health = coord.Health()
		state = coord.State()
	}
	status := "ok"
	if !health.Healthy {
		status = "degraded"
	}
	clients := 0
	if s.cfg.Hub != nil {
		clients = s.cfg.Hub.ClientCount()
	}
	return c.JSON(HealthResponse{
		Status:      status,
		Session:     id,
		State:       state.String(),
		Persistence: health,
		Clients:     clients,
		Sessions:    s.cfg.Registry.IDs(),
	})
}

func (s *Server) handleTiming(c *fiber.Ctx) error {
	if _, coord, ok := s.existing(c); ok {
		return c.JSON(coord.Session().Recorder.Snapshot())
	}
	rec := timing.NewRecorder()
	if startup, ok := s.cfg.Registry.Startup(); ok {
		rec.SetStartup(startup)
	}
	return c.JSON(rec.Snapshot())
}

func (s *Server) handleChat(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return errs.Wrap(errs.InvalidInput, "invalid request body", err)
	}
	coord := s.coordinator(c)
	res, err := coord.Submit(c.UserContext(), req.Text)
	if err != nil {
		return err
	}
	return c.JSON(s.interaction(coord, res))
}

func (s *Server) handleListen(c *fiber.Ctx) error {
	coord := s.coordinator(c)
	res, err := coord.Listen(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(s.interaction(coord, res))
}

// handleVoice queues an uploaded clip and listens for it. When the
// session is already capturing, the clip feeds that capture instead.
func (s *Server) handleVoice(c *fiber.Ctx) error {
	fh, err := c.FormFile("audio")
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "missing audio file", err)
	}
	f, err := fh.Open()
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "read audio file", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "read audio file", err)
	}

	clip := speech.Clip{
		Data:     data,
		Encoding: speech.EncodingFromMIME(fh.Header.Get("Content-Type")),
	}
	if rate := c.FormValue("sample_rate"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n <= 0 {
			return errs.Newf(errs.InvalidInput, "invalid sample_rate %q", rate)
		}
		clip.SampleRate = n
	}

	id := sessionID(c)
	coord := s.cfg.Registry.Get(id)
	queue := s.cfg.Queues.For(id)
	if err := queue.Push(clip); err != nil {
		if errors.Is(err, speech.ErrQueueFull) {
			return errs.Wrap(errs.Busy, "too many clips waiting", err)
		}
		return errs.Wrap(errs.InvalidInput, "queue clip", err)
	}

	res, err := coord.Listen(c.UserContext())
	if err != nil {
		if errs.Is(err, errs.Busy) && coord.State() == pipeline.StateCapturing {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "session": id})
		}
		queue.Drain()
		return err
	}
	return c.JSON(s.interaction(coord, res))
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	id, coord, ok := s.existing(c)
	return c.JSON(fiber.Map{
		"session": id,
		"stopped": ok && coord.Stop(),
	})
}

func (s *Server) handleListHistory(c *fiber.Ctx) error {
	var (
		convs []history.Conversation
		err   error
	)
	if raw := c.Query("recent"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 0 {
			return errs.Newf(errs.InvalidInput, "invalid recent %q", raw)
		}
		convs, err = s.cfg.History.Recent(c.UserContext(), n)
	} else {
		convs, err = s.cfg.History.List(c.UserContext())
	}
	if err != nil {
		return err
	}
	if convs == nil {
		convs = []history.Conversation{}
	}
	return c.JSON(convs)
}

func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	key, err := url.PathUnescape(c.Params("key"))
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "invalid key", err)
	}
	ok, err := s.cfg.History.Delete(c.UserContext(), key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "conversation %q not found", key)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleClearHistory(c *fiber.Ctx) error {
	if err := s.cfg.History.DeleteAll(c.UserContext()); err != nil {
		return err
	}
	if s.cfg.Hub != nil {
		if err := s.cfg.Hub.Publish(hub.EventReset, "", nil); err != nil {
			s.logger.Warn("failed to publish history reset", "error", err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleTurnsWS streams displayed turns. ?session=<id> narrows the feed.
func (s *Server) handleTurnsWS(conn *websocket.Conn) {
	if s.cfg.Hub == nil {
		conn.Close()
		return
	}
	client := hub.NewClient(s.cfg.Hub, conn, conn.Query("session"))
	client.Run()
}

func (s *Server) interaction(coord *pipeline.Coordinator, res *pipeline.Result) InteractionResponse {
	out := InteractionResponse{
		Session: coord.Session().ID,
		Empty:   res.Empty,
		Stopped: res.Stopped,
	}
	if res.Empty {
		return out
	}
	out.Outcome = res.Outcome.Kind.String()
	for _, t := range res.Turns() {
		out.Turns = append(out.Turns, TurnResponse{
			Role:     t.Role,
			Text:     t.Text,
			AudioRef: t.AudioRef,
			AudioURL: s.audioURL(t.AudioRef),
		})
	}
	out.ConversationID = res.Conversation.ID
	out.Timestamp = res.Conversation.Timestamp
	if res.PersistErr != nil {
		out.PersistError = res.PersistErr.Error()
	}
	if res.SynthesisErr != nil {
		out.SynthesisError = res.SynthesisErr.Error()
	}
	out.Timing = &TimingSummary{
		Response: res.ResponseSeconds,
		Audio:    res.AudioSeconds,
		Total:    res.TotalSeconds,
	}
	return out
}

func (s *Server) audioURL(ref string) string {
	if ref == "" || s.cfg.Audio == nil {
		return ""
	}
	return "/audio/" + s.cfg.Audio.Name(ref)
}
