package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dimiro1/banner"
	"github.com/oscardvs/CE-voice-TAF/pkg/extract"
	"github.com/oscardvs/CE-voice-TAF/pkg/logging"
	"github.com/oscardvs/CE-voice-TAF/pkg/realtime"
	"github.com/oscardvs/CE-voice-TAF/pkg/redact"
	"github.com/oscardvs/CE-voice-TAF/pkg/relay"
	"github.com/oscardvs/CE-voice-TAF/pkg/session"
)

const EngineVersion = "dev"

// Engine wires the session store, media relay, speech link dialer and
// transcript pipeline into one HTTP server.
type Engine struct {
	cfg    Config
	store  *session.Store
	relay  *relay.Relay
	server *http.Server
	logger *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	redact.SetEnabled(cfg.RedactPII)
	store := session.NewStore()
	pipeline := extract.NewPipeline(extract.Config{
		APIKey:     cfg.OpenAI.APIKey,
		Model:      cfg.OpenAI.CompletionModel,
		FlightsURL: cfg.Flights.URL,
	})
	linkCfg := realtime.Config{
		APIKey:       cfg.OpenAI.APIKey,
		Model:        cfg.OpenAI.RealtimeModel,
		Voice:        cfg.Assistant.Voice,
		Instructions: cfg.Assistant.SystemPrompt,
		Temperature:  cfg.Assistant.Temperature,
	}
	dial := func(ctx context.Context, sess *session.Session, out relay.MediaSender) (relay.SpeechLink, error) {
		return realtime.Dial(ctx, linkCfg, sess, out)
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		relay:  relay.New(store, dial, pipeline),
		logger: logging.NewComponentLogger(slog.Default(), "engine"),
	}
}

// Start brings the HTTP server up and returns immediately. The server is
// shut down when ctx is canceled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner()
	mux := http.NewServeMux()
	mux.HandleFunc(e.cfg.Server.VoicePath, e.handleVoice)
	mux.Handle(e.cfg.Server.WSPath, e.relay)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	e.server = &http.Server{
		Addr:              e.cfg.Server.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = e.Stop()
	}()
	go func() {
		e.logger.Info("engine_listening", "addr", e.cfg.Server.Addr,
			"voice_path", e.cfg.Server.VoicePath, "ws_path", e.cfg.Server.WSPath)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("engine_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop drains active calls and closes the listener.
func (e *Engine) Stop() error {
	e.relay.Shutdown()
	if e.server != nil {
		return e.server.Close()
	}
	return nil
}

func PrintBanner() {
	tpl := "{{ .Title \"VOICE TAF\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
