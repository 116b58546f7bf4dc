package realtime

import "encoding/json"

// Wire event types on the OpenAI realtime connection.
const (
	typeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	typeResponseDone           = "response.done"
	typeAudioDelta             = "response.audio.delta"
)

// verboseEventTypes are logged on arrival for observability; everything
// outside this list is handled (or ignored) silently.
var verboseEventTypes = map[string]bool{
	"error":                             true,
	"session.created":                   true,
	"response.done":                     true,
	"response.content.done":             true,
	"rate_limits.updated":               true,
	"input_audio_buffer.committed":      true,
	"input_audio_buffer.speech_started": true,
	"input_audio_buffer.speech_stopped": true,
}

// Event is a decoded realtime message. Unrecognized wire types decode to
// Ignored rather than an error.
type Event interface {
	Type() string
}

// TranscriptionCompleted carries the caller's transcribed utterance.
type TranscriptionCompleted struct {
	Transcript string
}

func (TranscriptionCompleted) Type() string { return typeTranscriptionCompleted }

// ResponseDone marks a completed assistant turn. Transcript is the first
// text-bearing content item of the response output, or "" when none exists.
type ResponseDone struct {
	Transcript string
}

func (ResponseDone) Type() string { return typeResponseDone }

// AudioDelta carries a chunk of synthesized audio, already base64 G.711
// µ-law as Twilio expects it.
type AudioDelta struct {
	Payload string
}

func (AudioDelta) Type() string { return typeAudioDelta }

// Ignored is the no-op variant for event types the link does not act on.
type Ignored struct {
	WireType string
}

func (e Ignored) Type() string { return e.WireType }

type envelope struct {
	Type       string           `json:"type"`
	Transcript string           `json:"transcript"`
	Delta      string           `json:"delta"`
	Response   *responsePayload `json:"response"`
}

type responsePayload struct {
	Output []outputItem `json:"output"`
}

type outputItem struct {
	Content []contentItem `json:"content"`
}

type contentItem struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// DecodeEvent parses a raw realtime message into its tagged variant.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case typeTranscriptionCompleted:
		return TranscriptionCompleted{Transcript: env.Transcript}, nil
	case typeResponseDone:
		return ResponseDone{Transcript: firstTranscript(env.Response)}, nil
	case typeAudioDelta:
		return AudioDelta{Payload: env.Delta}, nil
	default:
		return Ignored{WireType: env.Type}, nil
	}
}

func firstTranscript(resp *responsePayload) string {
	if resp == nil {
		return ""
	}
	for _, item := range resp.Output {
		for _, c := range item.Content {
			if c.Transcript != "" {
				return c.Transcript
			}
		}
	}
	return ""
}
