package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oscardvs/CE-voice-TAF/pkg/errorsx"
	"github.com/oscardvs/CE-voice-TAF/pkg/logging"
	"github.com/oscardvs/CE-voice-TAF/pkg/redact"
	"github.com/oscardvs/CE-voice-TAF/pkg/session"
)

// agentMessageFallback is appended when a completed response carries no
// text content at all.
const agentMessageFallback = "Agent message not found"

type Config struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Voice        string        `mapstructure:"voice"`
	Instructions string        `mapstructure:"instructions"`
	Temperature  float64       `mapstructure:"temperature"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview-2024-10-01"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.8
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	return c
}

// MediaSender delivers synthesized audio frames back to the telephony side.
type MediaSender interface {
	SendMedia(streamSID, payload string) error
}

// Link owns one realtime connection to the speech service for the duration
// of a call. It forwards caller audio in and interprets transcript/audio
// events out, mutating only the bound session's transcript.
type Link struct {
	cfg    Config
	sess   *session.Session
	out    MediaSender
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	open    atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// Dial opens the realtime connection and starts the configure/read loops.
func Dial(ctx context.Context, cfg Config, sess *session.Session, out MediaSender) (*Link, error) {
	cfg = cfg.withDefaults()
	url := cfg.BaseURL
	if !strings.Contains(url, "?") {
		url += "?model=" + cfg.Model
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRealtimeConnect)
	}
	l := &Link{
		cfg:    cfg,
		sess:   sess,
		out:    out,
		conn:   conn,
		logger: logging.NewComponentLogger(slog.Default(), "realtime_link"),
		done:   make(chan struct{}),
	}
	l.open.Store(true)
	go l.configure()
	go l.readLoop()
	return l, nil
}

// configure sends the session.update after a short settle delay so the
// remote session has finished initializing.
func (l *Link) configure() {
	time.Sleep(l.cfg.SettleDelay)
	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"turn_detection":            map[string]any{"type": "server_vad"},
			"input_audio_format":        "g711_ulaw",
			"output_audio_format":       "g711_ulaw",
			"voice":                     l.cfg.Voice,
			"instructions":              l.cfg.Instructions,
			"modalities":                []string{"text", "audio"},
			"temperature":               l.cfg.Temperature,
			"input_audio_transcription": map[string]any{"model": "whisper-1"},
		},
	}
	if err := l.send(update); err != nil {
		l.logger.Error("realtime_session_update_failed", "call_id", l.sess.ID, "error", err)
	}
}

// AppendAudio forwards a base64 caller audio payload to the input buffer.
// Dropped silently when the connection is not open.
func (l *Link) AppendAudio(payload string) {
	if !l.open.Load() {
		return
	}
	msg := map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	}
	if err := l.send(msg); err != nil {
		l.logger.Warn("realtime_audio_append_failed", "call_id", l.sess.ID, "error", err)
	}
}

func (l *Link) send(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return errorsx.Wrap(l.conn.WriteJSON(v), errorsx.ReasonRealtimeSend)
}

// Open reports whether the connection is currently usable.
func (l *Link) Open() bool { return l.open.Load() }

// Done is closed when the read loop exits.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close tears down the connection. Idempotent.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.open.Store(false)
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func (l *Link) readLoop() {
	defer close(l.done)
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if !l.closed.Load() {
				l.logger.Warn("realtime_connection_closed", "call_id", l.sess.ID, "error", err)
			}
			l.open.Store(false)
			return
		}
		evt, err := DecodeEvent(raw)
		if err != nil {
			l.logger.Warn("realtime_event_malformed", "call_id", l.sess.ID, "error", errorsx.Wrap(err, errorsx.ReasonRealtimeDecode))
			continue
		}
		l.handle(evt)
	}
}

func (l *Link) handle(evt Event) {
	if verboseEventTypes[evt.Type()] {
		l.logger.Info("realtime_event", "call_id", l.sess.ID, "type", evt.Type())
	}
	switch e := evt.(type) {
	case TranscriptionCompleted:
		text := strings.TrimSpace(e.Transcript)
		l.sess.AppendUser(text)
		l.logger.Info("user_utterance", "call_id", l.sess.ID, "text", redact.Text(text))
	case ResponseDone:
		text := e.Transcript
		if text == "" {
			text = agentMessageFallback
		}
		l.sess.AppendAgent(text)
		l.logger.Info("agent_response", "call_id", l.sess.ID, "text", redact.Text(text))
	case AudioDelta:
		sid := l.sess.StreamSID()
		if sid == "" {
			// Stream sid races the first audio delta on fast responses;
			// an unaddressed frame is useless to Twilio so drop it.
			l.logger.Warn("audio_delta_dropped", "call_id", l.sess.ID, "reason", "stream_sid_unset")
			return
		}
		if err := l.out.SendMedia(sid, e.Payload); err != nil {
			l.logger.Warn("media_forward_failed", "call_id", l.sess.ID, "error", err)
		}
	}
}
