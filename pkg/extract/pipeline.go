package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oscardvs/CE-voice-TAF/pkg/errorsx"
	"github.com/oscardvs/CE-voice-TAF/pkg/logging"
	"github.com/oscardvs/CE-voice-TAF/pkg/redact"
)

const extractionInstruction = "Extract the flight booking request from the conversation transcript. " +
	"Respond with only a JSON object containing the fields flightDeparture, flightArrival, date and notes."

// BookingRequest is the structured record extracted from a call transcript.
// It lives only long enough to drive the flight lookup.
type BookingRequest struct {
	FlightDeparture string `json:"flightDeparture"`
	FlightArrival   string `json:"flightArrival"`
	Date            string `json:"date"`
	Notes           string `json:"notes,omitempty"`
}

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	FlightsURL string `mapstructure:"flights_url"`
	Client     *http.Client
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return c
}

// Pipeline turns a finished call's transcript into a dispatched booking.
// Three chained stages: completion extraction, flight lookup, dispatch.
// Every stage fails closed: the error is logged and the pipeline ends.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "transcript_pipeline"),
	}
}

// Run executes the pipeline for one call. It never returns an error; the
// relay that spawns it must not observe pipeline failures.
func (p *Pipeline) Run(ctx context.Context, callID, transcript string) {
	logger := p.logger.With("call_id", callID)
	if strings.TrimSpace(transcript) == "" {
		logger.Info("pipeline_skipped_empty_transcript")
		return
	}
	booking, err := p.ExtractBooking(ctx, transcript)
	if err != nil {
		logger.Error("pipeline_extraction_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
		return
	}
	logger.Info("booking_extracted",
		"departure", booking.FlightDeparture,
		"arrival", booking.FlightArrival,
		"date", booking.Date,
		"notes", redact.Text(booking.Notes),
	)
	match, err := p.LookupFlight(ctx, booking)
	if err != nil {
		logger.Warn("pipeline_lookup_no_match", "reason_code", string(errorsx.Reason(err)), "error", err)
		return
	}
	if err := p.Dispatch(ctx, match); err != nil {
		logger.Error("pipeline_dispatch_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
		return
	}
	logger.Info("booking_dispatched")
}

// ExtractBooking asks the completion endpoint to pull the structured booking
// out of the transcript. The completion's message content is itself JSON.
func (p *Pipeline) ExtractBooking(ctx context.Context, transcript string) (BookingRequest, error) {
	payload := map[string]any{
		"model": p.cfg.Model,
		"messages": []map[string]any{
			{"role": "system", "content": extractionInstruction},
			{"role": "user", "content": transcript},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return BookingRequest{}, errorsx.Wrap(err, errorsx.ReasonExtractCompletion)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return BookingRequest{}, errorsx.Wrap(err, errorsx.ReasonExtractCompletion)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return BookingRequest{}, errorsx.Wrap(err, errorsx.ReasonExtractCompletion)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return BookingRequest{}, errorsx.Wrap(errors.New(string(raw)), errorsx.ReasonExtractCompletion)
	}
	var completion map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return BookingRequest{}, errorsx.Wrap(err, errorsx.ReasonExtractCompletion)
	}
	return bookingFromCompletion(completion)
}

// bookingFromCompletion digs choices[0].message.content out of the raw
// completion response and decodes it as a booking.
func bookingFromCompletion(completion map[string]any) (BookingRequest, error) {
	choices, _ := completion["choices"].([]any)
	if len(choices) == 0 {
		return BookingRequest{}, errorsx.Wrap(errors.New("completion has no choices"), errorsx.ReasonExtractShape)
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, _ := msg["content"].(string)
	if strings.TrimSpace(content) == "" {
		return BookingRequest{}, errorsx.Wrap(errors.New("completion message has no content"), errorsx.ReasonExtractShape)
	}
	var booking BookingRequest
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &booking); err != nil {
		return BookingRequest{}, errorsx.Wrap(err, errorsx.ReasonExtractShape)
	}
	return booking, nil
}

// LookupFlight queries the flights endpoint for a matching record. Any
// transport error or non-success status means no match.
func (p *Pipeline) LookupFlight(ctx context.Context, booking BookingRequest) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{
		"flightDeparture": booking.FlightDeparture,
		"flightArrival":   booking.FlightArrival,
		"date":            booking.Date,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFlightLookup)
	}
	raw, err := p.post(ctx, body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFlightLookup)
	}
	return raw, nil
}

// Dispatch forwards the matched record to the same flights endpoint. The
// remote side distinguishes intent by payload content.
func (p *Pipeline) Dispatch(ctx context.Context, match json.RawMessage) error {
	if _, err := p.post(ctx, match); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFlightDispatch)
	}
	return nil
}

func (p *Pipeline) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.FlightsURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New("flights endpoint returned " + resp.Status)
	}
	return json.RawMessage(raw), nil
}

// stripCodeFence tolerates models that wrap the JSON answer in a markdown
// fence despite the instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
