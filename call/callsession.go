package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/callbridge/agent"
	"github.com/mrsingh-rishi/callbridge/config"
	"github.com/mrsingh-rishi/callbridge/output"
	"github.com/mrsingh-rishi/callbridge/queue"
	"github.com/mrsingh-rishi/callbridge/transcript"
)

// ErrUnknownCall is returned by Accept for calls that were never initiated,
// already finished, or are being bridged by another stream.
var ErrUnknownCall = errors.New("unknown call")

// ErrShuttingDown is returned by Accept once Shutdown has started.
var ErrShuttingDown = errors.New("bridge is shutting down")

// Twilio media stream payload.
type twilioEvent struct {
	Event     string `json:"event"` // "connected", "start", "media", "mark", "stop"
	StreamSid string `json:"streamSid"`
	Media     struct {
		Track   string `json:"track"`
		Payload string `json:"payload"` // base64 mu-law
	} `json:"media"`
	Start struct {
		CallSid   string `json:"callSid"`
		StreamSid string `json:"streamSid"`
	} `json:"start"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// agentAudioMark is echoed back by Twilio once the agent's reply has played.
const agentAudioMark = "agent_audio_done"

const inboundTrack = "inbound"

// CarrierConn is the websocket Twilio streams the call over.
type CarrierConn interface {
	output.Conn
	ReadMessage() (messageType int, p []byte, err error)
}

// Bridge turns accepted media streams into running calls and keeps track of
// them until they finish.
type Bridge struct {
	registry     *Registry
	results      *Results
	dialer       agent.Dialer
	writer       transcript.Writer
	agentCfg     config.AgentConfig
	labels       transcript.Labeler
	queueSize    int
	drainTimeout time.Duration
	log          *logrus.Entry
	now          func() time.Time

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	closing bool
	wg      sync.WaitGroup
}

func NewBridge(cfg config.Config, registry *Registry, results *Results, dialer agent.Dialer, writer transcript.Writer, log *logrus.Entry) *Bridge {
	queueSize := cfg.AudioQueueSize
	if queueSize <= 0 {
		queueSize = config.Default().AudioQueueSize
	}
	drain := cfg.AgentDrainTimeout
	if drain <= 0 {
		drain = config.Default().AgentDrainTimeout
	}
	return &Bridge{
		registry:     registry,
		results:      results,
		dialer:       dialer,
		writer:       writer,
		agentCfg:     cfg.Agent,
		labels:       transcript.NewLabeler(cfg.HumanLabel),
		queueSize:    queueSize,
		drainTimeout: drain,
		log:          log,
		now:          time.Now,
		active:       make(map[string]context.CancelFunc),
	}
}

// Accept claims callID for a new media stream. Only one stream may bridge a
// call; every other attempt gets ErrUnknownCall.
func (b *Bridge) Accept(callID string) (*Call, error) {
	b.mu.Lock()
	closing := b.closing
	b.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}
	cfg, ok := b.registry.Claim(callID)
	if !ok {
		return nil, ErrUnknownCall
	}
	return &Call{
		ID:      callID,
		config:  cfg,
		bridge:  b,
		log:     b.log.WithField("call_id", callID),
		audio:   queue.New[[]byte](b.queueSize),
		started: make(chan struct{}),
	}, nil
}

// Active returns the number of calls currently running.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Shutdown refuses new calls, cancels every running call and waits for each
// to write its record, or for ctx to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	for _, cancel := range b.active {
		cancel()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a running call. It reports false once Shutdown has started;
// such a call is not waited for and must end at once.
func (b *Bridge) track(callID string, cancel context.CancelFunc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.active[callID] = cancel
	b.wg.Add(1)
	return true
}

func (b *Bridge) untrack(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, callID)
	b.wg.Done()
}

// Call bridges one Twilio media stream to one voice-agent session.
//
// Three flows run concurrently: carrier to buffer, buffer to agent, and agent
// to carrier. The audio queue connects the first two and its close is the
// end-of-input signal.
type Call struct {
	ID     string
	config Config
	bridge *Bridge
	log    *logrus.Entry

	out       *output.TwilioOutput
	agentConn agent.Conn
	audio     *queue.Queue[[]byte]

	started   chan struct{} // closed once the stream sid is known
	startOnce sync.Once

	mu         sync.Mutex
	state      State
	transcript []transcript.Entry
	startedAt  time.Time

	forwarded atomic.Int64
	finished  sync.Once
	record    Record
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of the turns recorded so far.
func (c *Call) Transcript() []transcript.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transcript.Entry(nil), c.transcript...)
}

// setState moves to s. The first terminal state wins.
func (c *Call) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() || c.state == StateTerminated {
		return
	}
	c.state = s
}

func (c *Call) appendEntry(e transcript.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, e)
}

// Run bridges the call until it ends, then stores and persists its record.
// It always returns the stored record, even when the agent could not be reached.
func (c *Call) Run(ctx context.Context, carrier CarrierConn) (rec Record) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.bridge.track(c.ID, cancel) {
		defer c.bridge.untrack(c.ID)
	} else {
		c.log.Warn("Call started during shutdown, ending it")
		cancel()
	}

	c.startedAt = c.bridge.now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Bridge panic: %v", r)
			c.setState(StateError)
		}
		rec = c.finish(carrier)
	}()

	c.relay(ctx, carrier)
	return rec
}

func (c *Call) relay(ctx context.Context, carrier CarrierConn) {
	out, err := output.NewTwilioOutput(carrier)
	if err != nil {
		c.log.Errorf("Failed to create Twilio output: %v", err)
		c.setState(StateError)
		return
	}
	c.out = out

	settings := agent.NewSettings(c.bridge.agentCfg, c.config.Prompt, c.config.Greeting)
	conn, err := c.bridge.dialer.Dial(ctx, settings)
	if err != nil {
		c.log.Errorf("Failed to connect to voice agent: %v", err)
		c.setState(StateError)
		return
	}
	c.agentConn = conn
	c.setState(StateStreaming)
	c.log.Info("Voice agent connected")

	senderCtx, cancelSender := context.WithCancel(ctx)
	defer cancelSender()

	carrierDone := make(chan struct{})
	agentDone := make(chan struct{})
	senderDone := make(chan struct{})

	go c.flow("carrier receiver", carrierDone, func() { c.receiveCarrier(ctx, carrier) })
	go c.flow("agent sender", senderDone, func() { c.sendToAgent(senderCtx) })
	go c.flow("agent receiver", agentDone, func() { c.receiveAgent(carrierDone) })

	c.await(ctx, carrierDone, agentDone)
	cancelSender()
	<-senderDone
}

// flow runs fn, turning a panic into the error state, and closes done.
func (c *Call) flow(name string, done chan<- struct{}, fn func()) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Panic in %s: %v", name, r)
			c.setState(StateError)
			c.audio.Close()
			c.out.Close()
			if c.agentConn != nil {
				c.agentConn.Close()
			}
		}
	}()
	fn()
}

// await blocks until both receiving flows have ended. When the agent side
// ends first the carrier is hung up; when the carrier ends first the agent
// gets drainTimeout to finish before its connection is closed.
func (c *Call) await(ctx context.Context, carrierDone, agentDone <-chan struct{}) {
	var drain <-chan time.Time
	ctxDone := ctx.Done()
	for carrierDone != nil || agentDone != nil {
		select {
		case <-carrierDone:
			carrierDone = nil
			if agentDone != nil {
				timer := time.NewTimer(c.bridge.drainTimeout)
				defer timer.Stop()
				drain = timer.C
			}
		case <-agentDone:
			agentDone = nil
			c.audio.Close()
			c.out.Close()
		case <-drain:
			drain = nil
			c.log.Warn("Voice agent did not finish after the carrier left, closing it")
			c.agentConn.Close()
		case <-ctxDone:
			ctxDone = nil
			c.log.Info("Call cancelled, closing both connections")
			c.audio.Close()
			c.out.Close()
			c.agentConn.Close()
		}
	}
}

// receiveCarrier reads Twilio events, re-frames inbound audio and queues it
// for the agent. Closing the queue on exit tells the sender input is over.
func (c *Call) receiveCarrier(ctx context.Context, carrier CarrierConn) {
	defer c.audio.Close()
	frames := newFrameBuffer(FrameSize)
	defer func() {
		if n := frames.Pending(); n > 0 {
			c.log.Debugf("Dropping %d trailing audio bytes", n)
		}
	}()
	for {
		_, msg, err := carrier.ReadMessage()
		if err != nil {
			c.log.Infof("Twilio connection closed: %v", err)
			c.setState(StatePeerClosed)
			return
		}

		var evt twilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.log.Warnf("Ignoring malformed Twilio frame: %v", err)
			continue
		}

		switch evt.Event {
		case "start":
			sid := evt.Start.StreamSid
			if sid == "" {
				sid = evt.StreamSid
			}
			c.out.SetStreamSid(sid)
			c.startOnce.Do(func() { close(c.started) })
			c.log.WithField("stream_sid", sid).Infof("Stream started (call sid %s)", evt.Start.CallSid)
		case "media":
			if evt.Media.Track != "" && evt.Media.Track != inboundTrack {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				c.log.Warnf("Ignoring undecodable media payload: %v", err)
				continue
			}
			for _, frame := range frames.Push(chunk) {
				if !c.audio.Enqueue(ctx, frame) {
					return
				}
			}
		case "stop":
			c.log.Info("Stream stopped by Twilio")
			c.setState(StatePeerClosed)
			return
		case "mark":
			c.log.Debugf("Twilio played up to mark %q", evt.Mark.Name)
		case "connected", "dtmf":
			c.log.Debugf("Twilio event: %s", evt.Event)
		default:
			c.log.Debugf("Ignoring Twilio event %q", evt.Event)
		}
	}
}

// sendToAgent forwards queued chunks in order. Once the queue is closed and
// drained it sends a close frame so the agent finishes its reply and hangs up.
func (c *Call) sendToAgent(ctx context.Context) {
	failed := false
	for {
		chunk, ok := c.audio.Dequeue(ctx)
		if !ok {
			if ctx.Err() == nil && !failed {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := c.agentConn.WriteMessage(websocket.CloseMessage, msg); err != nil {
					c.log.Debugf("Failed to send close to voice agent: %v", err)
				}
			}
			return
		}
		if failed {
			// Keep draining so the carrier receiver never blocks on a full queue.
			continue
		}
		if err := c.agentConn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			c.log.Warnf("Failed to send audio to voice agent: %v", err)
			failed = true
			continue
		}
		c.forwarded.Add(1)
	}
}

// receiveAgent relays agent audio to the carrier and handles agent events.
// Nothing can be played before the stream sid is known, so it waits for it.
func (c *Call) receiveAgent(carrierDone <-chan struct{}) {
	select {
	case <-c.started:
	case <-carrierDone:
		return
	}
	for {
		mt, msg, err := c.agentConn.ReadMessage()
		if err != nil {
			if c.State() != StateGoodbyeDetected {
				c.log.Infof("Voice agent connection closed: %v", err)
				c.setState(StatePeerClosed)
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if err := c.out.SendMedia(msg); err != nil {
				c.log.Debugf("Dropping agent audio: %v", err)
			}
		case websocket.TextMessage:
			if c.handleAgentEvent(msg) {
				return
			}
		}
	}
}

// handleAgentEvent reports true when the call should end.
func (c *Call) handleAgentEvent(msg []byte) bool {
	evt, err := agent.DecodeEvent(msg)
	if err != nil {
		c.log.Warnf("Ignoring malformed agent frame: %v", err)
		return false
	}

	switch evt.Type {
	case agent.EventUserStartedSpeaking:
		// Barge-in: drop whatever agent audio Twilio still has buffered.
		if err := c.out.SendClear(); err != nil {
			c.log.Debugf("Failed to clear Twilio audio: %v", err)
		}
	case agent.EventConversationText:
		if evt.Role == "" || evt.Content == "" {
			return false
		}
		c.appendEntry(transcript.Entry{Speaker: evt.Role, Text: evt.Content})
		c.log.Infof("%s: %s", c.bridge.labels.Label(evt.Role), evt.Content)
		if agent.IsHuman(evt.Role) && IsGoodbye(evt.Content) {
			c.log.Info("User said goodbye, ending call")
			c.setState(StateGoodbyeDetected)
			c.audio.Close()
			c.out.Close()
			return true
		}
	case agent.EventAgentAudioDone:
		if err := c.out.SendMark(agentAudioMark); err != nil {
			c.log.Debugf("Failed to mark end of agent audio: %v", err)
		}
	case agent.EventWelcome:
		c.log.Debug("Voice agent session opened")
	case agent.EventSettingsApplied:
		c.log.Info("Voice agent settings applied")
	case agent.EventAgentThinking, agent.EventAgentStartedSpeak:
		c.log.Debugf("Voice agent event: %s", evt.Type)
	case agent.EventError:
		c.log.Errorf("Voice agent error: %s", describe(evt))
	case agent.EventWarning:
		c.log.Warnf("Voice agent warning: %s", describe(evt))
	default:
		c.log.Debugf("Voice agent event: %s", evt.Type)
	}
	return false
}

func describe(evt agent.Event) string {
	if evt.Code != "" {
		return fmt.Sprintf("%s (%s)", evt.Description, evt.Code)
	}
	return evt.Description
}

// finish closes both connections and writes the record exactly once.
func (c *Call) finish(carrier CarrierConn) Record {
	c.finished.Do(func() {
		if c.out != nil {
			c.out.Close()
		} else {
			carrier.Close()
		}
		if c.agentConn != nil {
			c.agentConn.Close()
		}

		reason := c.State().endReason()
		c.mu.Lock()
		c.state = StateTerminated
		c.mu.Unlock()

		entries := c.Transcript()
		c.record = Record{
			CallID:         c.ID,
			Status:         StatusCompleted,
			EndReason:      reason,
			Transcript:     entries,
			TranscriptText: c.bridge.labels.Flatten(entries, "\n"),
			StartedAt:      c.startedAt,
			EndedAt:        c.bridge.now(),
		}
		if !c.bridge.results.Put(c.record) {
			c.log.Warn("Result already stored for this call")
		}
		c.bridge.registry.Delete(c.ID)
		log := c.log
		if c.out != nil {
			log = log.WithField("stream_sid", c.out.StreamSid())
		}
		log.Infof("Call ended (%s), %d turns, %d audio chunks forwarded", reason, len(entries), c.forwarded.Load())

		if len(entries) == 0 || c.bridge.writer == nil {
			return
		}
		path, err := c.bridge.writer.Persist(context.Background(), c.ID, entries)
		if err != nil {
			c.log.Errorf("Failed to save transcript: %v", err)
			return
		}
		c.log.Infof("Transcript saved to %s", path)
	})
	return c.record
}
