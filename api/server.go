package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/callbridge/call"
	"github.com/mrsingh-rishi/callbridge/config"
	"github.com/mrsingh-rishi/callbridge/telephony"
)

// Server exposes call initiation, the Twilio webhooks and the poll surface.
type Server struct {
	ctx       context.Context
	cfg       config.Config
	initiator *call.Initiator
	bridge    *call.Bridge
	lookup    *call.Lookup
	registry  *call.Registry
	validator *telephony.SignatureValidator
	log       *logrus.Entry
}

// New builds a Server. Bridged calls run under ctx, so cancelling it ends them.
func New(ctx context.Context, cfg config.Config, initiator *call.Initiator, bridge *call.Bridge, lookup *call.Lookup, registry *call.Registry, log *logrus.Entry) *Server {
	s := &Server{
		ctx:       ctx,
		cfg:       cfg,
		initiator: initiator,
		bridge:    bridge,
		lookup:    lookup,
		registry:  registry,
		log:       log,
	}
	if cfg.TwilioValidateSignature {
		s.validator = telephony.NewSignatureValidator(cfg.TwilioAuthToken)
	}
	return s
}

// App returns the fiber app with every route registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(s.logRequests)

	app.Get("/health", s.health)

	voice := app.Group("/api/voice")
	voice.Post("/call", s.initiate)
	voice.Get("/call/:call_id", s.poll)
	voice.Get("/twiml", s.verifySignature, s.twiml)
	voice.Post("/twiml", s.verifySignature, s.twiml)

	// Middleware to require WebSocket upgrade on the media stream
	voice.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	voice.Get("/ws/:call_id", websocket.New(s.stream))

	return app
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.WithFields(logrus.Fields{
		"method":  c.Method(),
		"path":    c.Path(),
		"status":  c.Response().StatusCode(),
		"latency": time.Since(start).String(),
	}).Debug("request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Errorf("Request %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "active_calls": s.bridge.Active()})
}

// POST /api/voice/call starts an outbound call.
func (s *Server) initiate(c *fiber.Ctx) error {
	var req call.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	resp, err := s.initiator.Initiate(c.UserContext(), req)
	if err != nil {
		return s.initiateError(c, err)
	}
	return c.JSON(resp)
}

func (s *Server) initiateError(c *fiber.Ctx, err error) error {
	var cfgErr *call.ConfigurationError
	var valErr *call.ValidationError
	var rejection *call.ProviderRejection
	switch {
	case errors.As(err, &cfgErr):
		s.log.Warnf("Call requested but service is not configured: %v", cfgErr)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   "service not configured",
			"missing": cfgErr.Missing,
		})
	case errors.As(err, &valErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": valErr.Error(),
			"field": valErr.Field,
		})
	case errors.As(err, &rejection):
		body := fiber.Map{"error": "Twilio call failed: " + rejection.Message}
		if rejection.Code != 0 {
			body["code"] = rejection.Code
		}
		return c.Status(fiber.StatusBadGateway).JSON(body)
	default:
		return err
	}
}

// GET|POST /api/voice/twiml tells Twilio to connect the answered call to
// our media stream.
func (s *Server) twiml(c *fiber.Ctx) error {
	callID := c.Query("call_id")
	if callID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "call_id is required"})
	}
	if !s.registry.Contains(callID) {
		// Twilio still gets valid markup; the stream endpoint rejects the call.
		s.log.WithField("call_id", callID).Warn("TwiML requested for unknown call")
	}

	body, err := telephony.ConnectStream(telephony.StreamURL(s.cfg.BaseURL(), callID), telephony.RecordingNotice)
	if err != nil {
		return errors.Wrap(err, "render TwiML")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	return c.Send(body)
}

// verifySignature rejects webhook requests Twilio did not sign. It is a no-op
// unless signature validation is enabled.
func (s *Server) verifySignature(c *fiber.Ctx) error {
	if s.validator == nil {
		return c.Next()
	}
	params := make(map[string]string)
	if c.Method() == fiber.MethodPost {
		c.Request().PostArgs().VisitAll(func(k, v []byte) {
			params[string(k)] = string(v)
		})
	}
	fullURL := s.cfg.BaseURL() + c.OriginalURL()
	if !s.validator.Valid(fullURL, params, c.Get(telephony.SignatureHeader)) {
		s.log.Warnf("Rejected unsigned webhook for %s", fullURL)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid signature"})
	}
	return c.Next()
}

// GET /api/voice/call/:call_id reports the outcome of a call.
func (s *Server) poll(c *fiber.Ctx) error {
	status, rec := s.lookup.Result(c.Params("call_id"))
	if status != call.StatusCompleted {
		return c.JSON(fiber.Map{"status": status, "transcript_text": ""})
	}
	return c.JSON(rec)
}

// stream bridges one Twilio media stream until the call ends.
func (s *Server) stream(ws *websocket.Conn) {
	callID := ws.Params("call_id")
	log := s.log.WithField("call_id", callID)

	c, err := s.bridge.Accept(callID)
	if err != nil {
		log.Warnf("Rejecting media stream: %v", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown call")
		if errors.Is(err, call.ErrShuttingDown) {
			msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		}
		if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.Debugf("Failed to send close frame: %v", err)
		}
		ws.Close()
		return
	}

	log.Info("Media stream connected")
	rec := c.Run(s.ctx, ws)
	log.Infof("Media stream finished: %s", rec.EndReason)
}
