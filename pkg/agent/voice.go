package agent

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/oscardvs/CE-voice-TAF/pkg/errorsx"
	twilioclient "github.com/twilio/twilio-go/client"
)

// handleVoice answers the inbound-call webhook with TwiML that tells Twilio
// to open a duplex media stream to the relay endpoint.
func (e *Engine) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if e.cfg.Twilio.AuthToken != "" && !e.validateTwilioRequest(r) {
		e.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonWebhookInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := e.websocketURL(r)
	greeting := strings.TrimSpace(e.cfg.Assistant.Greeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (e *Engine) websocketURL(r *http.Request) string {
	if e.cfg.Server.PublicURL != "" {
		return "wss://" + normalizePublicURL(e.cfg.Server.PublicURL) + e.cfg.Server.WSPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(e.cfg.Server.Addr, ":")
	}
	return "wss://" + host + e.cfg.Server.WSPath
}

func (e *Engine) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(e.cfg.Twilio.AuthToken)
	return validator.ValidateBody(e.requestURL(r), body, signature)
}

func (e *Engine) requestURL(r *http.Request) string {
	if e.cfg.Server.PublicURL != "" {
		base := strings.TrimRight(e.cfg.Server.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(e.cfg.Server.Addr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
