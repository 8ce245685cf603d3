package telephony

import (
	"bytes"
	"encoding/xml"
	"net/url"
	"strings"
)

// Paths served by the api package, relative to the public base URL.
const (
	SetupPath  = "/api/voice/twiml"
	StreamPath = "/api/voice/ws/"
)

// RecordingNotice is spoken before the media stream connects.
const RecordingNotice = "This call may be monitored or recorded."

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// ConnectStream renders TwiML that speaks notice (if any) and then opens a
// bidirectional media stream to streamURL.
func ConnectStream(streamURL, notice string) ([]byte, error) {
	resp := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}},
	}
	if notice != "" {
		resp.Say = &twimlSay{Language: "en", Text: notice}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetupURL is the webhook Twilio fetches once the callee answers.
func SetupURL(baseURL, callID string) string {
	return strings.TrimRight(baseURL, "/") + SetupPath + "?call_id=" + url.QueryEscape(callID)
}

// StreamURL is the websocket address for a call's media stream. The call id
// goes in the path because some tunnels drop websocket query strings.
func StreamURL(baseURL, callID string) string {
	base := strings.TrimRight(baseURL, "/")
	path := StreamPath + url.PathEscape(callID)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + path
	default:
		return "wss://" + base + path
	}
}
