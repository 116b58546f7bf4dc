package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/oscardvs/CE-voice-TAF/pkg/configutil"
	"github.com/spf13/viper"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Places an outbound test call that Twilio will answer by hitting the
// service's /voice webhook.

type twilioSettings struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...] [-voice_url=...]")
		os.Exit(1)
	}

	v := viper.New()
	v.SetConfigFile(*configPath)
	if err := v.ReadInConfig(); err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	raw := v.GetStringMap("twilio")
	if err := configutil.ValidateSettings(raw, configutil.Schema{
		Required:     []string{"account_sid", "auth_token"},
		AllowUnknown: true,
	}); err != nil {
		fmt.Println("twilio settings error:", err)
		os.Exit(1)
	}
	var settings twilioSettings
	if err := configutil.DecodeSettings(raw, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}

	url := *voiceURL
	if url == "" {
		public := strings.TrimRight(v.GetString("server.public_url"), "/")
		if public == "" {
			fmt.Println("server.public_url is empty; pass -voice_url")
			os.Exit(1)
		}
		voicePath := v.GetString("server.voice_path")
		if voicePath == "" {
			voicePath = "/voice"
		}
		url = public + voicePath
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: settings.AccountSID,
		Password: settings.AuthToken,
	})
	params := &api.CreateCallParams{}
	params.SetTo(*to)
	params.SetFrom(*from)
	params.SetUrl(url)
	resp, err := rest.Api.CreateCall(params)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	if resp == nil || resp.Sid == nil {
		fmt.Println("call created but sid missing")
		os.Exit(1)
	}
	fmt.Println("call_sid:", *resp.Sid)
}
