package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

const ProtocolVersion1 = "1"

// Turn statuses reported over the wire while a conversation is being driven.
// Only convo.Status values are persisted; the rest are transient.
const (
	StatusStarted       = "STARTED"
	StatusProcessing    = "PROCESSING_TURN"
	StatusTurnProcessed = "TURN_PROCESSED"
	StatusFinishing     = "FINISHING"
	StatusFinished      = "FINISHED"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientSetup opens a conversation on a fresh connection. It must be the
// first frame the client sends.
type ClientSetup struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ConversationID  int64  `json:"conversation_id"`
}

// ClientSend carries the user's spoken answer for the pending human turn.
type ClientSend struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	AudioB64       string `json:"audio_b64"`
	MimeType       string `json:"mime_type,omitempty"`
}

// Audio decodes the base64 payload. Validity of the encoding is checked at
// decode time, so this does not fail for frames accepted by
// DecodeClientMessage.
func (m ClientSend) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.AudioB64)
}

// DecodeClientMessage parses one inbound frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "setup":
		var msg ClientSetup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) == "" {
			return nil, badRequest("setup.protocol_version is required", "protocol_version")
		}
		if msg.ConversationID <= 0 {
			return nil, badRequest("setup.conversation_id is required", "conversation_id")
		}
		return msg, nil
	case "send":
		var msg ClientSend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid send frame", "")
		}
		if msg.ConversationID <= 0 {
			return nil, badRequest("send.conversation_id is required", "conversation_id")
		}
		if strings.TrimSpace(msg.AudioB64) == "" {
			return nil, badRequest("send.audio_b64 is required", "audio_b64")
		}
		if _, err := base64.StdEncoding.DecodeString(msg.AudioB64); err != nil {
			return nil, badRequest("send.audio_b64 is not valid base64", "audio_b64")
		}
		if strings.TrimSpace(msg.MimeType) == "" {
			msg.MimeType = "audio/mpeg"
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ServerStatus announces a turn-engine status change. Feedback and Rating are
// populated only for FINISHED.
type ServerStatus struct {
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Feedback string   `json:"feedback,omitempty"`
	Rating   *float64 `json:"rating,omitempty"`
}

// ServerRequestMessage asks the client to record the named human turn.
type ServerRequestMessage struct {
	Type    string        `json:"type"`
	Message convo.Message `json:"message"`
}

// ServerMessage carries a completed turn: the scripted message plus the URL
// of its persisted audio.
type ServerMessage struct {
	Type     string        `json:"type"`
	Message  convo.Message `json:"message"`
	AudioURL string        `json:"audio_url"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// ServerBye is the final frame before the server closes the connection.
type ServerBye struct {
	Type string `json:"type"`
}

func NewStatus(status string) ServerStatus {
	return ServerStatus{Type: "status", Status: status}
}

func NewFinishedStatus(feedback string, rating float64) ServerStatus {
	return ServerStatus{Type: "status", Status: StatusFinished, Feedback: feedback, Rating: &rating}
}

func NewRequestMessage(msg convo.Message) ServerRequestMessage {
	return ServerRequestMessage{Type: "request_message", Message: msg}
}

func NewMessage(msg convo.Message, audioURL string) ServerMessage {
	return ServerMessage{Type: "message", Message: msg, AudioURL: audioURL}
}

func NewError(code, message string, close bool) ServerError {
	return ServerError{Type: "error", Code: code, Message: message, Close: close}
}

func NewBye() ServerBye {
	return ServerBye{Type: "bye"}
}
