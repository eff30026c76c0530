package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/audio"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/config"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/observability"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/session"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/stage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate Origin against the room service's allowed hosts
		// once it publishes them.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler accepts media stream websocket connections and runs one
// StreamSession per connection.
type Handler struct {
	ledger *session.Ledger
	hub    *Hub
	cfg    *config.Config
	logger zerolog.Logger
}

// NewHandler creates the websocket entry point for media streams.
func NewHandler(ledger *session.Ledger, hub *Hub, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{ledger: ledger, hub: hub, cfg: cfg, logger: logger}
}

// HandleStream upgrades the connection and processes frames until the
// client disconnects or sends a stop frame.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade stream connection")
		return
	}
	defer conn.Close()

	s := newStreamSession(conn, h.ledger, h.hub, h.cfg)
	s.run()
}

// StreamSession holds the state of a single media stream connection: the
// playback scheduler feeding audio back to the client, the stage health
// tracker, and the ledger session the stream is metered against.
type StreamSession struct {
	conn   *websocket.Conn
	ledger *session.Ledger
	hub    *Hub
	cfg    *config.Config

	// writeMu serializes all websocket writes; gorilla allows only one
	// concurrent writer.
	writeMu sync.Mutex

	mu        sync.Mutex
	active    bool
	sessionID string
	userID    string
	roomID    string
	inputRate int

	// hosted is true when this stream created the session. A joiner must
	// never end the host's session on disconnect.
	hosted bool

	scheduler *audio.Scheduler
	tracker   *stage.Tracker

	correlationID string
	metrics       *observability.StreamMetrics
	logger        zerolog.Logger
}

func newStreamSession(conn *websocket.Conn, ledger *session.Ledger, hub *Hub, cfg *config.Config) *StreamSession {
	correlationID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(correlationID)

	return &StreamSession{
		conn:          conn,
		ledger:        ledger,
		hub:           hub,
		cfg:           cfg,
		tracker:       stage.NewTracker(),
		correlationID: correlationID,
		metrics:       observability.NewStreamMetrics(),
		logger:        logger,
	}
}

// run is the read loop. It returns when the client disconnects, sends a
// stop frame, or a fatal error occurs; teardown always runs.
func (s *StreamSession) run() {
	defer s.teardown()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Stream read error")
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse stream message")
			continue
		}

		switch msg.Event {
		case "start":
			if err := s.handleStart(msg.Start); err != nil {
				s.sendError(err)
				if errors.Is(err, audio.ErrSinkUnavailable) {
					// Fatal: the stream cannot play audio at all.
					return
				}
			}

		case "media":
			s.handleMedia(msg.Media)

		case "stage":
			s.handleStage(msg.Stage)

		case "stop":
			s.logger.Info().Str("session_id", s.sessionID).Msg("Stream stopped by client")
			return

		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Unknown stream event")
		}
	}
}

func (s *StreamSession) handleStart(start *StartFrame) error {
	if start == nil || start.UserID == "" || start.RoomID == "" {
		return errors.New("start frame requires userId and roomId")
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("stream already started")
	}
	s.mu.Unlock()

	sess, err := s.ledger.Start(context.Background(), start.UserID, start.RoomID)
	if err != nil {
		return err
	}
	hosted := sess.HostUserID == start.UserID

	sink := newWSSink(s.cfg.OutputSampleRate, s.sendMedia)
	scheduler := audio.NewScheduler(sink, s.logger, audio.SchedulerOptions{
		MaxQueueDepth:     s.cfg.MaxQueueDepth,
		KeepaliveInterval: time.Duration(s.cfg.KeepaliveIntervalMs) * time.Millisecond,
		KeepaliveLength:   time.Duration(s.cfg.KeepaliveLengthMs) * time.Millisecond,
		OnDrop:            s.tracker.RecordDroppedFrame,
	})
	if err := scheduler.Init(context.Background()); err != nil {
		// Roll back the session we just created so abandoned minutes are
		// not metered. A joined session belongs to its host and stays up.
		if hosted {
			if _, endErr := s.ledger.End(context.Background(), sess.ID); endErr != nil {
				s.logger.Error().Err(endErr).Msg("Failed to end session after sink failure")
			}
		}
		return err
	}
	scheduler.StartKeepalive()

	inputRate := start.InputSampleRate
	if inputRate <= 0 {
		inputRate = s.cfg.DefaultInputRate
	}

	s.mu.Lock()
	s.active = true
	s.sessionID = sess.ID
	s.userID = start.UserID
	s.roomID = start.RoomID
	s.inputRate = inputRate
	s.hosted = hosted
	s.scheduler = scheduler
	s.mu.Unlock()

	s.hub.Join(start.RoomID)
	s.logger = s.logger.With().
		Str("session_id", sess.ID).
		Str("room_id", start.RoomID).
		Logger()
	s.logger.Info().
		Str("user_id", start.UserID).
		Int("input_rate", inputRate).
		Msg("Media stream started")

	return s.writeJSON(startedResponse{
		Event:            "started",
		SessionID:        sess.ID,
		OutputSampleRate: s.cfg.OutputSampleRate,
	})
}

func (s *StreamSession) handleMedia(media *MediaFrame) {
	if media == nil {
		return
	}

	s.mu.Lock()
	scheduler := s.scheduler
	rate := s.inputRate
	s.mu.Unlock()
	if scheduler == nil {
		return
	}

	pcm, err := media.DecodePayload()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode media payload")
		return
	}
	s.metrics.RecordAudioIn(int64(len(pcm)))

	if media.SampleRate > 0 {
		rate = media.SampleRate
	}
	scheduler.ScheduleChunk(pcm, rate)
}

func (s *StreamSession) handleStage(frame *StageFrame) {
	if frame == nil {
		return
	}

	event, ok := stage.ParseEvent(frame.Event)
	if !ok {
		s.logger.Debug().Str("event", frame.Event).Msg("Unknown stage event")
		return
	}

	s.tracker.Apply(stage.Stage(frame.Stage), event)

	if err := s.writeJSON(stageResponse{
		Event:         "stage",
		Stages:        s.tracker.Snapshot(),
		DroppedFrames: s.tracker.DroppedFrames(),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send stage snapshot")
	}
}

// teardown releases everything the stream acquired. A hosted session is
// ended so disconnects are metered immediately instead of waiting for the
// reaper; a joined session belongs to its host and is left running.
func (s *StreamSession) teardown() {
	s.mu.Lock()
	active := s.active
	sessionID := s.sessionID
	roomID := s.roomID
	hosted := s.hosted
	scheduler := s.scheduler
	s.active = false
	s.scheduler = nil
	s.mu.Unlock()

	if scheduler != nil {
		scheduler.Dispose()
	}
	s.tracker.Reset()
	s.metrics.Close()

	if !active {
		return
	}
	s.hub.Leave(roomID)

	if !hosted {
		return
	}
	if _, err := s.ledger.End(context.Background(), sessionID); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) &&
		!errors.Is(err, session.ErrInvalidStateTransition) {
		s.logger.Error().Err(err).Msg("Failed to end session on disconnect")
	}
}

// sendMedia writes one outbound PCM16 frame. Used as the sink's writer.
func (s *StreamSession) sendMedia(pcm []byte) error {
	return s.writeJSON(newMediaMessage(pcm))
}

func (s *StreamSession) sendError(err error) {
	if werr := s.writeJSON(errorResponse{Event: "error", Error: err.Error()}); werr != nil {
		s.logger.Warn().Err(werr).Msg("Failed to send error frame")
	}
}

func (s *StreamSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
