package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/callbridge/config"
)

// Event types sent by the Deepgram Voice Agent API.
const (
	EventWelcome             = "Welcome"
	EventSettingsApplied     = "SettingsApplied"
	EventUserStartedSpeaking = "UserStartedSpeaking"
	EventConversationText    = "ConversationText"
	EventAgentThinking       = "AgentThinking"
	EventAgentStartedSpeak   = "AgentStartedSpeaking"
	EventAgentAudioDone      = "AgentAudioDone"
	EventWarning             = "Warning"
	EventError               = "Error"
)

// RoleUser is the conversation role of the human on the phone.
const RoleUser = "user"

// Conn is a live voice-agent connection. Text messages carry JSON events,
// binary messages carry synthesized mu-law audio.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a voice-agent connection and completes the Settings handshake.
type Dialer interface {
	Dial(ctx context.Context, settings Settings) (Conn, error)
}

// Event is the subset of agent control messages the bridge acts on.
type Event struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

// DecodeEvent parses one text message from the agent.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode agent event")
	}
	if ev.Type == "" {
		return Event{}, errors.New("agent event has no type")
	}
	return ev, nil
}

// IsHuman reports whether role belongs to the called party rather than the agent.
func IsHuman(role string) bool {
	return role == RoleUser
}

// Settings is the configuration handshake sent once after connecting.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string         `json:"language"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type Provider struct {
	Type        string   `json:"type"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type ThinkSettings struct {
	Provider Provider `json:"provider"`
	Prompt   string   `json:"prompt"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

// NewSettings builds the handshake for a telephone call: mu-law at 8 kHz in
// both directions, with the per-call prompt and greeting.
func NewSettings(cfg config.AgentConfig, prompt, greeting string) Settings {
	temperature := cfg.ThinkTemperature
	return Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "mulaw", SampleRate: 8000},
			Output: AudioFormat{Encoding: "mulaw", SampleRate: 8000, Container: "none"},
		},
		Agent: AgentSettings{
			Language: cfg.Language,
			Listen:   ListenSettings{Provider: Provider{Type: "deepgram", Model: cfg.ListenModel}},
			Think: ThinkSettings{
				Provider: Provider{Type: cfg.ThinkProvider, Model: cfg.ThinkModel, Temperature: &temperature},
				Prompt:   prompt,
			},
			Speak:    SpeakSettings{Provider: Provider{Type: "deepgram", Model: cfg.SpeakModel}},
			Greeting: greeting,
		},
	}
}

// DeepgramDialer connects to the Deepgram Voice Agent converse endpoint.
type DeepgramDialer struct {
	APIKey           string
	Endpoint         string
	HandshakeTimeout time.Duration
}

func NewDeepgramDialer(apiKey, endpoint string) *DeepgramDialer {
	return &DeepgramDialer{
		APIKey:           apiKey,
		Endpoint:         endpoint,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (d *DeepgramDialer) Dial(ctx context.Context, settings Settings) (Conn, error) {
	if d.APIKey == "" {
		return nil, errors.New("deepgram api key is not set")
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
		// The agent API authenticates through the subprotocol list.
		Subprotocols: []string{"token", d.APIKey},
	}
	conn, _, err := dialer.DialContext(ctx, d.Endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial voice agent")
	}

	payload, err := json.Marshal(settings)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "encode settings")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send settings")
	}
	return conn, nil
}
