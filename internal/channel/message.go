package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol constants for execute requests.
const (
	ProtocolVersion = "5.2"
	MsgTypeExecute  = "execute_request"
	ShellChannel    = "shell"
)

// Request is one execute_request. It is immutable once sent.
type Request struct {
	MsgID    string
	Code     string
	Username string
	IssuedAt time.Time
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(code, username string) Request {
	return Request{
		MsgID:    NewID(),
		Code:     code,
		Username: username,
		IssuedAt: time.Now().UTC(),
	}
}

// NewID returns a fresh uuid in hex form.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
}

type executeContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
}

type envelope struct {
	Header       header         `json:"header"`
	ParentHeader map[string]any `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Buffers      []any          `json:"buffers"`
	Channel      string         `json:"channel"`
	Content      executeContent `json:"content"`
}

func (r Request) envelope(session string) envelope {
	return envelope{
		Header: header{
			MsgID:    r.MsgID,
			MsgType:  MsgTypeExecute,
			Version:  ProtocolVersion,
			Session:  session,
			Username: r.Username,
			Date:     r.IssuedAt.UTC().Format(time.RFC3339Nano),
		},
		ParentHeader: map[string]any{},
		Metadata:     map[string]any{},
		Buffers:      []any{},
		Channel:      ShellChannel,
		Content: executeContent{
			Code:            r.Code,
			UserExpressions: map[string]any{},
		},
	}
}

// Kind classifies an inbound message.
type Kind string

const (
	KindOutput Kind = "output"
	KindError  Kind = "error"
	KindStatus Kind = "status"
	KindOther  Kind = "other"
)

// Message is one inbound frame from the kernel.
type Message struct {
	Kind     Kind
	MsgType  string
	MsgID    string
	ParentID string
	Content  json.RawMessage
}

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// Stream decodes stream content.
func (m Message) Stream() (StreamContent, error) {
	var c StreamContent
	err := m.decode(KindOutput, &c)
	return c, err
}

// Failure decodes error content.
func (m Message) Failure() (ErrorContent, error) {
	var c ErrorContent
	err := m.decode(KindError, &c)
	return c, err
}

// Status decodes status content.
func (m Message) Status() (StatusContent, error) {
	var c StatusContent
	err := m.decode(KindStatus, &c)
	return c, err
}

func (m Message) decode(want Kind, v any) error {
	if m.Kind != want {
		return fmt.Errorf("channel: %s message is not %s", m.MsgType, want)
	}
	if len(m.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("channel: decode %s content: %w", m.MsgType, err)
	}
	return nil
}

type inbound struct {
	Header struct {
		MsgID   string `json:"msg_id"`
		MsgType string `json:"msg_type"`
	} `json:"header"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
	MsgType string          `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

// ParseMessage decodes one inbound frame. The message type comes from the
// header, falling back to the top-level msg_type.
func ParseMessage(data []byte) (Message, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{Kind: KindOther}, fmt.Errorf("channel: decode message: %w", err)
	}
	msgType := in.Header.MsgType
	if msgType == "" {
		msgType = in.MsgType
	}
	return Message{
		Kind:     kindOf(msgType),
		MsgType:  msgType,
		MsgID:    in.Header.MsgID,
		ParentID: in.ParentHeader.MsgID,
		Content:  in.Content,
	}, nil
}

func kindOf(msgType string) Kind {
	switch msgType {
	case "stream":
		return KindOutput
	case "error":
		return KindError
	case "status":
		return KindStatus
	default:
		return KindOther
	}
}
