package output

import (
	"encoding/base64"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoStream is returned when audio is sent before the carrier announced its stream.
var ErrNoStream = errors.New("stream sid not set")

// Conn is the write side of the carrier media-stream websocket.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type mediaMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     *mediaBody   `json:"media,omitempty"`
	Mark      *markPayload `json:"mark,omitempty"`
}

type mediaBody struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// TwilioOutput writes outbound events to a Twilio media stream. It is safe
// for concurrent use; writes are serialized and become no-ops after Close.
type TwilioOutput struct {
	mu        sync.Mutex
	ws        Conn
	streamSid string
	closed    bool
	closeOnce sync.Once
}

func NewTwilioOutput(ws Conn) (*TwilioOutput, error) {
	if ws == nil {
		return nil, errors.New("carrier connection is required")
	}
	return &TwilioOutput{ws: ws}, nil
}

// SetStreamSid records the stream id captured from the carrier's start event.
func (o *TwilioOutput) SetStreamSid(streamSid string) {
	o.mu.Lock()
	o.streamSid = streamSid
	o.mu.Unlock()
}

func (o *TwilioOutput) StreamSid() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streamSid
}

// SendMedia base64-encodes raw mu-law audio and plays it on the call.
func (o *TwilioOutput) SendMedia(audio []byte) error {
	return o.write(func(sid string) mediaMessage {
		return mediaMessage{
			Event:     "media",
			StreamSid: sid,
			Media:     &mediaBody{Payload: base64.StdEncoding.EncodeToString(audio)},
		}
	})
}

// SendClear drops any audio the carrier has buffered for playback.
func (o *TwilioOutput) SendClear() error {
	return o.write(func(sid string) mediaMessage {
		return mediaMessage{Event: "clear", StreamSid: sid}
	})
}

// SendMark asks the carrier to echo name back once playback reaches this point.
func (o *TwilioOutput) SendMark(name string) error {
	return o.write(func(sid string) mediaMessage {
		return mediaMessage{Event: "mark", StreamSid: sid, Mark: &markPayload{Name: name}}
	})
}

func (o *TwilioOutput) write(build func(sid string) mediaMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if o.streamSid == "" {
		return ErrNoStream
	}
	if err := o.ws.WriteJSON(build(o.streamSid)); err != nil {
		return errors.Wrap(err, "write to carrier")
	}
	return nil
}

// Close closes the carrier connection once. Later calls return nil.
func (o *TwilioOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		err = o.ws.Close()
	})
	return err
}
