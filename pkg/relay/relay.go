package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oscardvs/CE-voice-TAF/pkg/logging"
	"github.com/oscardvs/CE-voice-TAF/pkg/session"
)

// callSIDHeader is set by Twilio on the media-stream upgrade request.
const callSIDHeader = "X-Twilio-Call-Sid"

// SpeechLink is the per-call connection to the speech service.
type SpeechLink interface {
	AppendAudio(payload string)
	Open() bool
	Close() error
}

// LinkDialer opens a speech link bound to a session, delivering synthesized
// audio through out.
type LinkDialer func(ctx context.Context, sess *session.Session, out MediaSender) (SpeechLink, error)

// MediaSender mirrors realtime.MediaSender; declared where it is consumed.
type MediaSender interface {
	SendMedia(streamSID, payload string) error
}

// Pipeline receives the final transcript snapshot after a call ends. It runs
// detached from the relay and must not report back into it.
type Pipeline interface {
	Run(ctx context.Context, callID, transcript string)
}

// State is the per-call relay lifecycle.
type State int32

const (
	StateInit State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Relay owns the telephony side of each call: it upgrades the media-stream
// websocket, binds a session and a speech link, and cross-forwards audio
// until the call ends.
type Relay struct {
	store    *session.Store
	dial     LinkDialer
	pipeline Pipeline
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	active   map[string]*wire
	draining atomic.Bool
}

func New(store *session.Store, dial LinkDialer, pipeline Pipeline) *Relay {
	return &Relay{
		store:    store,
		dial:     dial,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		active: make(map[string]*wire),
		logger: logging.NewComponentLogger(slog.Default(), "media_relay"),
	}
}

// Shutdown refuses new upgrades and closes every active media stream.
func (r *Relay) Shutdown() {
	r.draining.Store(true)
	r.mu.Lock()
	wires := make([]*wire, 0, len(r.active))
	for _, w := range r.active {
		wires = append(wires, w)
	}
	r.mu.Unlock()
	for _, w := range wires {
		_ = w.close()
	}
}

// ActiveCalls returns the number of calls currently streaming.
func (r *Relay) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	callID := req.Header.Get(callSIDHeader)
	if callID == "" {
		callID = fmt.Sprintf("session-%d", time.Now().UnixMilli())
	}
	sess := r.store.GetOrCreate(callID)
	sess.TraceID = uuid.NewString()
	logger := r.logger.With("call_id", callID, "trace_id", sess.TraceID)

	tw := newWire(conn)
	r.mu.Lock()
	r.active[callID] = tw
	r.mu.Unlock()

	link, err := r.dial(req.Context(), sess, tw)
	if err != nil {
		// Degraded service: keep consuming the telephony stream so the
		// call still tears down through the normal path.
		logger.Error("speech_link_dial_failed", "error", err)
		link = nil
	}

	var state atomic.Int32
	logger.Info("call_started", "state", State(state.Load()).String())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		evt, err := decodeTelephonyEvent(raw)
		if err != nil {
			logger.Warn("telephony_frame_malformed", "error", err)
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			sess.SetStreamSID(evt.Start.StreamSID)
			state.CompareAndSwap(int32(StateInit), int32(StateStreaming))
			logger.Info("stream_started", "stream_sid", evt.Start.StreamSID)
		case "media":
			if evt.Media == nil {
				continue
			}
			if link != nil && link.Open() {
				link.AppendAudio(evt.Media.Payload)
			}
		default:
			logger.Info("telephony_event_ignored", "event", evt.Event)
		}
	}

	state.Store(int32(StateClosing))
	if link != nil {
		_ = link.Close()
	}

	// Snapshot before removal: the pipeline keeps its own copy of the
	// transcript and may outlive both the session and this handler.
	transcript := sess.Transcript()
	go r.pipeline.Run(context.Background(), callID, transcript)

	r.store.Remove(callID)
	r.mu.Lock()
	if r.active[callID] == tw {
		delete(r.active, callID)
	}
	r.mu.Unlock()
	_ = tw.close()

	state.Store(int32(StateClosed))
	logger.Info("call_closed", "state", State(state.Load()).String(), "transcript_lines", sess.Len())
}
