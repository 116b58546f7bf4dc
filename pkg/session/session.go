package session

import (
	"strings"
	"sync"
)

// Session holds the live state for one telephony call: the accumulating
// conversation transcript and the Twilio stream identifier once known.
type Session struct {
	ID      string
	TraceID string

	mu        sync.Mutex
	streamSID string
	lines     []string
}

// AppendUser records a transcribed caller utterance.
func (s *Session) AppendUser(text string) {
	s.append("User: " + text)
}

// AppendAgent records an assistant response.
func (s *Session) AppendAgent(text string) {
	s.append("Agent: " + text)
}

func (s *Session) append(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

// SetStreamSID records the Twilio stream identifier. The first value wins;
// Twilio never reassigns the stream sid within a call.
func (s *Session) SetStreamSID(sid string) {
	s.mu.Lock()
	if s.streamSID == "" {
		s.streamSID = sid
	}
	s.mu.Unlock()
}

// StreamSID returns the stream identifier, or "" before the start event.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Transcript returns an immutable snapshot of the conversation so far,
// one labeled utterance per line. Safe to hand off past session removal.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return strings.Join(s.lines, "\n") + "\n"
}

// Len returns the number of transcript lines.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}
