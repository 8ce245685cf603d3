package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrsingh-rishi/callbridge/agent"
	"github.com/mrsingh-rishi/callbridge/api"
	"github.com/mrsingh-rishi/callbridge/call"
	"github.com/mrsingh-rishi/callbridge/config"
	"github.com/mrsingh-rishi/callbridge/llm"
	"github.com/mrsingh-rishi/callbridge/logging"
	"github.com/mrsingh-rishi/callbridge/telephony"
	"github.com/mrsingh-rishi/callbridge/transcript"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not configured yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, logFile := logging.New(cfg.LogLevel, cfg.LogFile)
	defer logFile.Close()
	log := logging.Component(logger, "main")

	if !cfg.TwilioConfigured() {
		log.Warn("Twilio credentials are not set, call initiation will fail until they are")
	}
	if cfg.LocalBaseURL() {
		log.Warnf("SERVER_BASE_URL %s is a local address, Twilio will not reach the webhooks", cfg.BaseURL())
	}
	if cfg.DeepgramAPIKey == "" {
		log.Warn("DEEPGRAM_API_KEY is not set")
	}

	var summarizer transcript.Summarizer
	if cfg.OpenAIAPIKey != "" {
		client, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			log.Fatalf("OpenAI client: %v", err)
		}
		summarizer = client
		log.Infof("Transcript summaries enabled (%s)", cfg.OpenAIModel)
	}

	registry := call.NewRegistry()
	results := call.NewResults()
	writer := transcript.NewFileWriter(cfg.TranscriptDir, transcript.NewLabeler(cfg.HumanLabel), summarizer, logging.Component(logger, "transcript"))
	bridge := call.NewBridge(cfg, registry, results,
		agent.NewDeepgramDialer(cfg.DeepgramAPIKey, cfg.Agent.URL),
		writer,
		logging.Component(logger, "bridge"))
	initiator := call.NewInitiator(cfg, registry,
		telephony.NewTwilioDialer(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.RingTimeout),
		logging.Component(logger, "initiator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := api.New(ctx, cfg, initiator, bridge, call.NewLookup(registry, results), registry, logging.Component(logger, "api"))
	app := server.App()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s (public URL %s)", cfg.ListenAddr, cfg.BaseURL())
		errCh <- app.Listen(cfg.ListenAddr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infof("Received %s, shutting down", s)
	case err := <-errCh:
		if err != nil {
			log.Errorf("Server stopped: %v", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	// Active calls write their records before the listener goes away.
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Calls still running at shutdown: %v", err)
	}
	cancel()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("Shutdown: %v", err)
	}
	log.Info("Stopped")
}
