package relay

import (
	"encoding/json"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/oscardvs/CE-voice-TAF/pkg/errorsx"
)

// Inbound Twilio media-stream frames.
type telephonyEvent struct {
	Event string          `json:"event"`
	Start *telephonyStart `json:"start,omitempty"`
	Media *telephonyMedia `json:"media,omitempty"`
}

type telephonyStart struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

type telephonyMedia struct {
	Payload string `json:"payload"`
}

func decodeTelephonyEvent(raw []byte) (telephonyEvent, error) {
	var evt telephonyEvent
	err := json.Unmarshal(raw, &evt)
	return evt, err
}

// wire wraps the telephony websocket with a buffered writer goroutine so
// audio from the speech link never blocks on a slow peer.
type wire struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func newWire(conn *websocket.Conn) *wire {
	w := &wire{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	go w.loop()
	return w
}

// SendMedia enqueues an outbound media frame addressed to streamSID.
// Drops when the buffer is full or the wire is closed.
func (w *wire) SendMedia(streamSID, payload string) error {
	msg := map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]any{
			"payload": payload,
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRelaySend)
	}
	if w.closed.Load() {
		return nil
	}
	select {
	case w.sendCh <- b:
	default:
	}
	return nil
}

func (w *wire) loop() {
	for msg := range w.sendCh {
		_ = w.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (w *wire) close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.sendCh)
	}
	return w.conn.Close()
}
