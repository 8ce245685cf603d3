package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Config holds everything the service needs at runtime. Secrets only come from
// the environment; tunables may also come from an optional ini file.
type Config struct {
	ListenAddr    string
	PublicBaseURL string

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioFromNumber        string
	TwilioValidateSignature bool
	RingTimeout             int

	DeepgramAPIKey string
	Agent          AgentConfig

	AudioQueueSize    int
	AgentDrainTimeout time.Duration

	TranscriptDir string
	HumanLabel    string

	OpenAIAPIKey string
	OpenAIModel  string

	LogLevel string
	LogFile  string
}

// AgentConfig describes the voice-agent pipeline requested in the Settings handshake.
type AgentConfig struct {
	URL              string
	Language         string
	ListenModel      string
	ThinkProvider    string
	ThinkModel       string
	ThinkTemperature float64
	SpeakModel       string
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		ListenAddr:    ":8000",
		PublicBaseURL: "http://localhost:8000",
		RingTimeout:   30,
		Agent: AgentConfig{
			URL:              "wss://agent.deepgram.com/v1/agent/converse",
			Language:         "en",
			ListenModel:      "nova-3",
			ThinkProvider:    "open_ai",
			ThinkModel:       "gpt-4o-mini",
			ThinkTemperature: 0.7,
			SpeakModel:       "aura-2-thalia-en",
		},
		AudioQueueSize:    256,
		AgentDrainTimeout: 5 * time.Second,
		TranscriptDir:     "transcripts",
		HumanLabel:        "Dealer",
		OpenAIModel:       "gpt-4o-mini",
		LogLevel:          "info",
	}
}

// Load reads .env (if present), then the ini file named by CALLBRIDGE_CONFIG
// (if set), then environment variables. Later sources win.
func Load() (Config, error) {
	// .env is optional; plain environment variables work the same way.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CALLBRIDGE_CONFIG"); path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s", path)
		}
		applyFile(&cfg, file)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, file *ini.File) {
	sec := file.Section("server")
	cfg.ListenAddr = sec.Key("listen_addr").MustString(cfg.ListenAddr)
	cfg.PublicBaseURL = sec.Key("public_base_url").MustString(cfg.PublicBaseURL)
	cfg.TwilioValidateSignature = sec.Key("validate_twilio_signature").MustBool(cfg.TwilioValidateSignature)
	cfg.RingTimeout = sec.Key("ring_timeout").MustInt(cfg.RingTimeout)

	sec = file.Section("agent")
	cfg.Agent.URL = sec.Key("url").MustString(cfg.Agent.URL)
	cfg.Agent.Language = sec.Key("language").MustString(cfg.Agent.Language)
	cfg.Agent.ListenModel = sec.Key("listen_model").MustString(cfg.Agent.ListenModel)
	cfg.Agent.ThinkProvider = sec.Key("think_provider").MustString(cfg.Agent.ThinkProvider)
	cfg.Agent.ThinkModel = sec.Key("think_model").MustString(cfg.Agent.ThinkModel)
	cfg.Agent.ThinkTemperature = sec.Key("think_temperature").MustFloat64(cfg.Agent.ThinkTemperature)
	cfg.Agent.SpeakModel = sec.Key("speak_model").MustString(cfg.Agent.SpeakModel)

	sec = file.Section("bridge")
	cfg.AudioQueueSize = sec.Key("audio_queue_size").MustInt(cfg.AudioQueueSize)
	cfg.AgentDrainTimeout = sec.Key("agent_drain_timeout").MustDuration(cfg.AgentDrainTimeout)

	sec = file.Section("transcript")
	cfg.TranscriptDir = sec.Key("dir").MustString(cfg.TranscriptDir)
	cfg.HumanLabel = sec.Key("human_label").MustString(cfg.HumanLabel)
	cfg.OpenAIModel = sec.Key("summary_model").MustString(cfg.OpenAIModel)

	sec = file.Section("logging")
	cfg.LogLevel = sec.Key("level").MustString(cfg.LogLevel)
	cfg.LogFile = sec.Key("file").MustString(cfg.LogFile)
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.PublicBaseURL, "SERVER_BASE_URL")

	setString(&cfg.TwilioAccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.TwilioFromNumber, "TWILIO_PHONE_NUMBER")
	setString(&cfg.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")

	setString(&cfg.Agent.URL, "DEEPGRAM_AGENT_URL")
	setString(&cfg.TranscriptDir, "TRANSCRIPT_DIR")
	setString(&cfg.HumanLabel, "TRANSCRIPT_HUMAN_LABEL")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")

	if v := os.Getenv("TWILIO_VALIDATE_SIGNATURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "TWILIO_VALIDATE_SIGNATURE")
		}
		cfg.TwilioValidateSignature = b
	}
	if v := os.Getenv("AUDIO_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errors.Errorf("AUDIO_QUEUE_SIZE must be a positive integer, got %q", v)
		}
		cfg.AudioQueueSize = n
	}
	if v := os.Getenv("AGENT_DRAIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "AGENT_DRAIN_TIMEOUT")
		}
		cfg.AgentDrainTimeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// TwilioConfigured reports whether outbound calls can be placed.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// BaseURL returns the public base URL without a trailing slash.
func (c Config) BaseURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/")
}

// LocalBaseURL reports whether the public base URL points at this machine.
func (c Config) LocalBaseURL() bool {
	u, err := url.Parse(c.BaseURL())
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
