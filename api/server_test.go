package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang/mock/gomock"
	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/twilio/twilio-go/client"

	"github.com/mrsingh-rishi/callbridge/agent"
	"github.com/mrsingh-rishi/callbridge/call"
	"github.com/mrsingh-rishi/callbridge/config"
	"github.com/mrsingh-rishi/callbridge/transcript"
)

// idleAgent never speaks; it hangs up when the bridge sends a close frame.
type idleAgent struct {
	closed chan struct{}
	once   sync.Once
}

func newIdleAgent() *idleAgent {
	return &idleAgent{closed: make(chan struct{})}
}

func (a *idleAgent) ReadMessage() (int, []byte, error) {
	<-a.closed
	return 0, nil, net.ErrClosed
}

func (a *idleAgent) WriteMessage(mt int, _ []byte) error {
	if mt == gws.CloseMessage {
		a.Close()
	}
	return nil
}

func (a *idleAgent) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

type agentDialerFunc func(ctx context.Context, settings agent.Settings) (agent.Conn, error)

func (f agentDialerFunc) Dial(ctx context.Context, settings agent.Settings) (agent.Conn, error) {
	return f(ctx, settings)
}

type nopWriter struct{}

func (nopWriter) Persist(context.Context, string, []transcript.Entry) (string, error) {
	return "", nil
}

type fixture struct {
	app      *fiber.App
	registry *call.Registry
	results  *call.Results
	lookup   *call.Lookup
	bridge   *call.Bridge
	dialer   *call.MockDialer
}

func configured() config.Config {
	cfg := config.Default()
	cfg.TwilioAccountSID = "AC123"
	cfg.TwilioAuthToken = "secret-token"
	cfg.TwilioFromNumber = "+15550000000"
	cfg.DeepgramAPIKey = "dg-key"
	cfg.PublicBaseURL = "https://bridge.example.com"
	cfg.AgentDrainTimeout = 200 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	f := &fixture{
		registry: call.NewRegistry(),
		results:  call.NewResults(),
		dialer:   call.NewMockDialer(gomock.NewController(t)),
	}
	f.lookup = call.NewLookup(f.registry, f.results)
	agents := agentDialerFunc(func(context.Context, agent.Settings) (agent.Conn, error) {
		return newIdleAgent(), nil
	})
	f.bridge = call.NewBridge(cfg, f.registry, f.results, agents, nopWriter{}, log)
	initiator := call.NewInitiator(cfg, f.registry, f.dialer, log)
	f.app = New(context.Background(), cfg, initiator, f.bridge, f.lookup, f.registry, log).App()
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := f.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return m
}

func TestHealth(t *testing.T) {
	f := newFixture(t, configured())

	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	if status != http.StatusOK || strings.TrimSpace(string(body)) != `{"active_calls":0,"status":"ok"}` {
		t.Fatalf("health = %d %s", status, body)
	}
}

func TestInitiateCall(t *testing.T) {
	f := newFixture(t, configured())
	f.dialer.EXPECT().Dial(gomock.Any(), "+15551234567", gomock.Any()).Return("CA1", nil)

	status, body := f.do(t, postJSON("/api/voice/call", `{"to_number":"+15551234567","prompt":"Ask about the truck.","start_message":"Hi!"}`))

	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	got := decode(t, body)
	callID, _ := got["call_id"].(string)
	if callID == "" || got["status"] != "initiating" || got["to_number"] != "+15551234567" {
		t.Fatalf("body = %s", body)
	}
	if got["stream_setup_url"] != "https://bridge.example.com/api/voice/twiml?call_id="+callID {
		t.Fatalf("stream_setup_url = %v", got["stream_setup_url"])
	}
	if !f.registry.Contains(callID) {
		t.Fatal("call should be registered")
	}
}

func TestInitiateCallErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func() config.Config
		body   string
		reject error
		status int
		want   string
	}{
		{
			name:   "bad json",
			cfg:    configured,
			body:   `{"to_number":`,
			status: http.StatusBadRequest,
			want:   "invalid JSON",
		},
		{
			name:   "invalid number",
			cfg:    configured,
			body:   `{"to_number":"555","prompt":"p"}`,
			status: http.StatusBadRequest,
			want:   "to_number",
		},
		{
			name:   "not configured",
			cfg:    config.Default,
			body:   `{"to_number":"+15551234567","prompt":"p"}`,
			status: http.StatusServiceUnavailable,
			want:   "TWILIO_ACCOUNT_SID",
		},
		{
			name:   "provider rejection",
			cfg:    configured,
			body:   `{"to_number":"+15551234567","prompt":"p"}`,
			reject: &client.TwilioRestError{Code: 21219, Message: "The number is unverified", Status: 400},
			status: http.StatusBadGateway,
			want:   "The number is unverified",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg())
			if tt.reject != nil {
				f.dialer.EXPECT().Dial(gomock.Any(), gomock.Any(), gomock.Any()).Return("", tt.reject)
			}

			status, body := f.do(t, postJSON("/api/voice/call", tt.body))

			if status != tt.status || !strings.Contains(string(body), tt.want) {
				t.Fatalf("got %d %s, want %d containing %q", status, body, tt.status, tt.want)
			}
			if f.registry.Len() != 0 {
				t.Fatal("failed initiation must leave the registry empty")
			}
		})
	}
}

func TestTwiML(t *testing.T) {
	f := newFixture(t, configured())
	f.registry.Put("c1", call.Config{Prompt: "p"})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp, err := f.app.Test(httptest.NewRequest(method, "/api/voice/twiml?call_id=c1", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", method, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
			t.Fatalf("Content-Type = %q", ct)
		}
		for _, want := range []string{
			`<Say language="en">This call may be monitored or recorded.</Say>`,
			`<Stream url="wss://bridge.example.com/api/voice/ws/c1"></Stream>`,
		} {
			if !strings.Contains(string(body), want) {
				t.Fatalf("%s body missing %s:\n%s", method, want, body)
			}
		}
	}
}

func TestTwiMLUnknownCallStillRenders(t *testing.T) {
	f := newFixture(t, configured())

	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/voice/twiml?call_id=ghost", nil))

	if status != http.StatusOK || !strings.Contains(string(body), "/api/voice/ws/ghost") {
		t.Fatalf("got %d %s", status, body)
	}
}

func TestTwiMLRequiresCallID(t *testing.T) {
	f := newFixture(t, configured())

	status, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/api/voice/twiml", nil))

	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func sign(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k + params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwiMLSignatureValidation(t *testing.T) {
	cfg := configured()
	cfg.TwilioValidateSignature = true
	f := newFixture(t, cfg)

	params := map[string]string{"CallSid": "CA1", "From": "+15550000000"}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	newReq := func(signature string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/voice/twiml?call_id=c1", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if signature != "" {
			req.Header.Set("X-Twilio-Signature", signature)
		}
		return req
	}

	if status, _ := f.do(t, newReq("")); status != http.StatusForbidden {
		t.Fatalf("unsigned status = %d, want 403", status)
	}
	if status, _ := f.do(t, newReq("bm90IGEgc2lnbmF0dXJl")); status != http.StatusForbidden {
		t.Fatalf("bad signature status = %d, want 403", status)
	}

	good := sign("secret-token", "https://bridge.example.com/api/voice/twiml?call_id=c1", params)
	if status, body := f.do(t, newReq(good)); status != http.StatusOK {
		t.Fatalf("signed status = %d %s", status, body)
	}
}

func TestPoll(t *testing.T) {
	f := newFixture(t, configured())

	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/voice/call/c1", nil))
	if strings.TrimSpace(string(body)) != `{"status":"unknown","transcript_text":""}` {
		t.Fatalf("unknown poll = %s", body)
	}

	f.registry.Put("c1", call.Config{Prompt: "p"})
	_, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/voice/call/c1", nil))
	if strings.TrimSpace(string(body)) != `{"status":"in_progress","transcript_text":""}` {
		t.Fatalf("in-progress poll = %s", body)
	}

	f.results.Put(call.Record{
		CallID:         "c1",
		Status:         call.StatusCompleted,
		EndReason:      call.EndGoodbye,
		Transcript:     []transcript.Entry{{Speaker: "user", Text: "bye"}},
		TranscriptText: "Dealer: bye",
	})
	f.registry.Delete("c1")
	for i := 0; i < 2; i++ {
		status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/voice/call/c1", nil))
		got := decode(t, body)
		if status != http.StatusOK || got["status"] != "completed" || got["end_reason"] != "goodbye" || got["transcript_text"] != "Dealer: bye" {
			t.Fatalf("completed poll %d = %s", i, body)
		}
	}
}

func TestStreamRequiresUpgrade(t *testing.T) {
	f := newFixture(t, configured())

	status, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/api/voice/ws/c1", nil))

	if status != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", status)
	}
}

func listen(t *testing.T, f *fixture) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go f.app.Listener(ln)
	t.Cleanup(func() { f.app.ShutdownWithTimeout(time.Second) })
	return "ws://" + ln.Addr().String()
}

func TestStreamRejectsUnknownCall(t *testing.T) {
	f := newFixture(t, configured())
	base := listen(t, f)

	conn, _, err := gws.DefaultDialer.Dial(base+"/api/voice/ws/ghost", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err = conn.ReadMessage()
	var closeErr *gws.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != gws.ClosePolicyViolation || closeErr.Text != "unknown call" {
		t.Fatalf("read err = %v, want close 1008 unknown call", err)
	}
	if status, _ := f.lookup.Result("ghost"); status != call.StatusUnknown {
		t.Fatalf("status = %s, rejected streams must not create a record", status)
	}
}

func TestStreamRefusedDuringShutdown(t *testing.T) {
	f := newFixture(t, configured())
	f.registry.Put("c1", call.Config{Prompt: "p"})
	base := listen(t, f)
	if err := f.bridge.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	conn, _, err := gws.DefaultDialer.Dial(base+"/api/voice/ws/c1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err = conn.ReadMessage()
	var closeErr *gws.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != gws.CloseGoingAway {
		t.Fatalf("read err = %v, want close 1001", err)
	}
}

func TestStreamBridgesCall(t *testing.T) {
	f := newFixture(t, configured())
	f.registry.Put("c1", call.Config{Prompt: "p", Greeting: "hi"})
	base := listen(t, f)

	conn, _, err := gws.DefaultDialer.Dial(base+"/api/voice/ws/c1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, msg := range []interface{}{
		map[string]interface{}{"event": "connected"},
		map[string]interface{}{"event": "start", "start": map[string]string{"streamSid": "MZ1", "callSid": "CA1"}},
		map[string]interface{}{"event": "media", "media": map[string]string{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(make([]byte, 160))}},
		map[string]interface{}{"event": "stop"},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, rec := f.lookup.Result("c1")
		if status == call.StatusCompleted {
			if rec.EndReason != call.EndPeerClosed {
				t.Fatalf("EndReason = %s, want peer_closed", rec.EndReason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call still %s", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if f.registry.Contains("c1") {
		t.Fatal("registry entry should be removed")
	}
}
