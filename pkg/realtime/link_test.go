package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oscardvs/CE-voice-TAF/pkg/session"
)

type fakeSpeechServer struct {
	srv    *httptest.Server
	connCh chan *websocket.Conn
}

func newFakeSpeechServer(t *testing.T) *fakeSpeechServer {
	t.Helper()
	f := &fakeSpeechServer{connCh: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.connCh <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSpeechServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeSpeechServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

type captureSender struct {
	ch chan [2]string
}

func (c *captureSender) SendMedia(streamSID, payload string) error {
	c.ch <- [2]string{streamSID, payload}
	return nil
}

func dialTestLink(t *testing.T, f *fakeSpeechServer, sess *session.Session, out MediaSender) *Link {
	t.Helper()
	if out == nil {
		out = &captureSender{ch: make(chan [2]string, 16)}
	}
	l, err := Dial(context.Background(), Config{
		APIKey:      "test-key",
		BaseURL:     f.url() + "?model=test",
		SettleDelay: time.Millisecond,
	}, sess, out)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestDialSendsSessionUpdate(t *testing.T) {
	f := newFakeSpeechServer(t)
	sess := &session.Session{ID: "CA1"}
	dialTestLink(t, f, sess, nil)

	conn := f.accept(t)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "session.update" {
		t.Fatalf("expected session.update first, got %v", msg["type"])
	}
	sessCfg, _ := msg["session"].(map[string]any)
	if sessCfg["input_audio_format"] != "g711_ulaw" || sessCfg["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("expected g711_ulaw audio formats, got %v", sessCfg)
	}
	td, _ := sessCfg["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Fatalf("expected server_vad turn detection, got %v", td)
	}
	trans, _ := sessCfg["input_audio_transcription"].(map[string]any)
	if trans["model"] != "whisper-1" {
		t.Fatalf("expected whisper-1 transcription, got %v", trans)
	}
}

func TestTranscriptLinesFollowEventOrder(t *testing.T) {
	f := newFakeSpeechServer(t)
	sess := &session.Session{ID: "CA1"}
	l := dialTestLink(t, f, sess, nil)

	conn := f.accept(t)
	write := func(v string) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"  I want to fly from Paris to Nice on June 5 "}`)
	write(`{"type":"response.done","response":{"output":[{"content":[{"type":"audio","transcript":"Let me check that for you"}]}]}}`)
	_ = conn.Close()
	<-l.Done()

	want := "User: I want to fly from Paris to Nice on June 5\nAgent: Let me check that for you\n"
	if got := sess.Transcript(); got != want {
		t.Fatalf("unexpected transcript:\n%q\nwant:\n%q", got, want)
	}
}

func TestResponseWithoutTextUsesSentinel(t *testing.T) {
	f := newFakeSpeechServer(t)
	sess := &session.Session{ID: "CA1"}
	l := dialTestLink(t, f, sess, nil)

	conn := f.accept(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done","response":{"output":[]}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()
	<-l.Done()

	if got := sess.Transcript(); got != "Agent: Agent message not found\n" {
		t.Fatalf("expected sentinel agent line, got %q", got)
	}
}

func TestAudioDeltaDroppedUntilStreamSIDSet(t *testing.T) {
	f := newFakeSpeechServer(t)
	sess := &session.Session{ID: "CA1"}
	out := &captureSender{ch: make(chan [2]string, 16)}
	l := dialTestLink(t, f, sess, out)

	conn := f.accept(t)
	write := func(v string) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// No stream sid yet: frame is unaddressable and must be dropped.
	write(`{"type":"response.audio.delta","delta":"AAA="}`)
	// Marker event so we know the delta was processed before asserting.
	write(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`)
	waitFor(t, func() bool { return sess.Len() == 1 })
	select {
	case got := <-out.ch:
		t.Fatalf("expected drop before stream sid, got %v", got)
	default:
	}

	sess.SetStreamSID("MZ1")
	write(`{"type":"response.audio.delta","delta":"BBB="}`)
	select {
	case got := <-out.ch:
		if got[0] != "MZ1" || got[1] != "BBB=" {
			t.Fatalf("unexpected media frame: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected media frame after stream sid set")
	}
	_ = conn.Close()
	<-l.Done()
}

func TestMalformedEventDoesNotKillConnection(t *testing.T) {
	f := newFakeSpeechServer(t)
	sess := &session.Session{ID: "CA1"}
	l := dialTestLink(t, f, sess, nil)

	conn := f.accept(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"still alive"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return sess.Len() == 1 })
	if got := sess.Transcript(); got != "User: still alive\n" {
		t.Fatalf("unexpected transcript %q", got)
	}
	_ = conn.Close()
	<-l.Done()
}

func TestCloseIdempotentAndAppendAfterClose(t *testing.T) {
	f := newFakeSpeechServer(t)
	sess := &session.Session{ID: "CA1"}
	l := dialTestLink(t, f, sess, nil)
	f.accept(t)

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if l.Open() {
		t.Fatalf("expected link closed")
	}
	// Silent drop, no panic.
	l.AppendAudio("AAA=")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
