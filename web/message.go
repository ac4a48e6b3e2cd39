package web

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	uuid "github.com/satori/go.uuid"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// message:

// type: 0/1/2/3/4/5/6
// messageFlow
// version 1 byte + type 1 byte + id 36 byte + waitIntercept 1 byte + content left bytes

// type: 11/12/13/14/15/16
// messageEdit
// version 1 byte + type 1 byte + id 36 byte + header len 4 byte + header content bytes + body len 4 byte + [body content bytes]

// type: 21
// messageMeta
// version 1 byte + type 1 byte + content left bytes

const messageVersion = 2

const (
	idLen         = 36
	flowHeaderLen = 2 + idLen + 1
	editHeaderLen = 2 + idLen
)

type messageType byte

const (
	messageTypeConn         messageType = 0
	messageTypeConnClose    messageType = 5
	messageTypeRequest      messageType = 1
	messageTypeRequestBody  messageType = 2
	messageTypeResponse     messageType = 3
	messageTypeResponseBody messageType = 4
	messageTypeWebsocket    messageType = 6

	messageTypeChangeRequest   messageType = 11
	messageTypeChangeResponse  messageType = 12
	messageTypeDropRequest     messageType = 13
	messageTypeDropResponse    messageType = 14
	messageTypeChangeWebsocket messageType = 15
	messageTypeDropWebsocket   messageType = 16

	messageTypeChangeBreakPointRules messageType = 21
)

var allMessageTypes = []messageType{
	messageTypeConn,
	messageTypeConnClose,
	messageTypeRequest,
	messageTypeRequestBody,
	messageTypeResponse,
	messageTypeResponseBody,
	messageTypeWebsocket,
	messageTypeChangeRequest,
	messageTypeChangeResponse,
	messageTypeDropRequest,
	messageTypeDropResponse,
	messageTypeChangeWebsocket,
	messageTypeDropWebsocket,
	messageTypeChangeBreakPointRules,
}

func validMessageType(t byte) bool {
	for _, v := range allMessageTypes {
		if t == byte(v) {
			return true
		}
	}
	return false
}

func (t messageType) isDrop() bool {
	return t == messageTypeDropRequest || t == messageTypeDropResponse || t == messageTypeDropWebsocket
}

type message interface {
	toBytes() []byte
}

type messageFlow struct {
	mType         messageType
	id            uuid.UUID
	waitIntercept byte
	content       []byte
}

func newMessageConn(connCtx *proxy.ConnContext) (*messageFlow, error) {
	content, err := json.Marshal(connCtx)
	if err != nil {
		return nil, err
	}
	return &messageFlow{mType: messageTypeConn, id: connCtx.ID(), content: content}, nil
}

func newMessageConnClose(connCtx *proxy.ConnContext) *messageFlow {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, connCtx.FlowCount.Load())
	return &messageFlow{
		mType:   messageTypeConnClose,
		id:      connCtx.ID(),
		content: buf.Bytes(),
	}
}

// newMessageRequest carries the request head. connID is the zero UUID for
// requests without a client connection.
func newMessageRequest(id uuid.UUID, connID uuid.UUID, req *proxy.Request) (*messageFlow, error) {
	content, err := json.Marshal(map[string]any{
		"request": req,
		"connId":  connID.String(),
	})
	if err != nil {
		return nil, err
	}
	return &messageFlow{mType: messageTypeRequest, id: id, content: content}, nil
}

func newMessageResponse(id uuid.UUID, rsp *proxy.Response) (*messageFlow, error) {
	content, err := json.Marshal(rsp)
	if err != nil {
		return nil, err
	}
	return &messageFlow{mType: messageTypeResponse, id: id, content: content}, nil
}

// newMessageBody carries a decoded body. Bodies that cannot be decoded are
// sent as they are.
func newMessageBody(mType messageType, id uuid.UUID, body func() ([]byte, error), raw []byte) *messageFlow {
	content, err := body()
	if err != nil {
		content = raw
	}
	return &messageFlow{mType: mType, id: id, content: content}
}

func newMessageWebsocket(id uuid.UUID, msg *proxy.WSMessage) *messageFlow {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Direction))
	if msg.Binary {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(msg.Payload)
	return &messageFlow{mType: messageTypeWebsocket, id: id, content: buf.Bytes()}
}

func (m *messageFlow) toBytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, flowHeaderLen+len(m.content)))
	buf.WriteByte(byte(messageVersion))
	buf.WriteByte(byte(m.mType))
	buf.WriteString(m.id.String()) // len: 36
	buf.WriteByte(m.waitIntercept)
	buf.Write(m.content)
	return buf.Bytes()
}

// requestEdit is the request head sent back by the client.
type requestEdit struct {
	Method string        `json:"method"`
	URL    string        `json:"url"`
	Proto  string        `json:"proto"`
	Header *proxy.Header `json:"header"`
}

// responseEdit is the response head sent back by the client.
type responseEdit struct {
	StatusCode int           `json:"statusCode"`
	Reason     string        `json:"reason"`
	Proto      string        `json:"proto"`
	Header     *proxy.Header `json:"header"`
}

type messageEdit struct {
	mType    messageType
	id       uuid.UUID
	request  *requestEdit
	response *responseEdit
	body     []byte
}

func parseMessageEdit(data []byte) *messageEdit {
	if len(data) < editHeaderLen {
		return nil
	}

	mType := (messageType)(data[1])

	id, err := uuid.FromString(string(data[2:editHeaderLen]))
	if err != nil {
		return nil
	}

	msg := &messageEdit{
		mType: mType,
		id:    id,
	}

	if mType.isDrop() {
		return msg
	}

	// 2 + 36 + 4 + 4
	if len(data) < editHeaderLen+8 {
		return nil
	}

	hl := (int)(binary.BigEndian.Uint32(data[38:42]))
	if 42+hl+4 > len(data) {
		return nil
	}
	headerContent := data[42 : 42+hl]

	bl := (int)(binary.BigEndian.Uint32(data[42+hl : 42+hl+4]))
	if 42+hl+4+bl != len(data) {
		return nil
	}
	msg.body = data[42+hl+4:]

	switch mType {
	case messageTypeChangeRequest:
		req := &requestEdit{Header: proxy.NewRequest().Header}
		if err := json.Unmarshal(headerContent, req); err != nil {
			return nil
		}
		msg.request = req
	case messageTypeChangeResponse:
		rsp := &responseEdit{Header: proxy.NewResponse().Header}
		if err := json.Unmarshal(headerContent, rsp); err != nil {
			return nil
		}
		msg.response = rsp
	case messageTypeChangeWebsocket:
		if hl != 0 {
			return nil
		}
	default:
		return nil
	}

	return msg
}

func (m *messageEdit) toBytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	buf.WriteByte(byte(messageVersion))
	buf.WriteByte(byte(m.mType))
	buf.WriteString(m.id.String()) // len: 36

	if m.mType.isDrop() {
		return buf.Bytes()
	}

	var headerContent []byte
	switch m.mType {
	case messageTypeChangeRequest:
		headerContent, _ = json.Marshal(m.request)
	case messageTypeChangeResponse:
		headerContent, _ = json.Marshal(m.response)
	}
	hl := make([]byte, 4)
	binary.BigEndian.PutUint32(hl, (uint32)(len(headerContent)))
	buf.Write(hl)
	buf.Write(headerContent)

	bl := make([]byte, 4)
	binary.BigEndian.PutUint32(bl, (uint32)(len(m.body)))
	buf.Write(bl)
	buf.Write(m.body)

	return buf.Bytes()
}

var errEditMismatch = errors.New("edit does not match the intercepted message")

// applyRequest rebuilds req from the edited head and body. The destination
// follows the edited URL.
func (m *messageEdit) applyRequest(req *proxy.Request) (*proxy.Request, error) {
	if m.mType != messageTypeChangeRequest || m.request == nil {
		return nil, errEditMismatch
	}
	u, err := url.Parse(m.request.URL)
	if err != nil {
		return nil, fmt.Errorf("edited url: %w", err)
	}
	if m.request.Method != "" {
		req.Method = m.request.Method
	}
	if m.request.Proto != "" {
		req.Proto = m.request.Proto
	}
	req.Header = m.request.Header
	if err := req.SetURL(u); err != nil {
		return nil, err
	}
	req.Header.Del("Content-Encoding")
	req.Header.Del("Transfer-Encoding")
	req.SetBody(m.body)
	return req, nil
}

func (m *messageEdit) applyResponse(rsp *proxy.Response) (*proxy.Response, error) {
	if m.mType != messageTypeChangeResponse || m.response == nil {
		return nil, errEditMismatch
	}
	if m.response.StatusCode != 0 {
		rsp.StatusCode = m.response.StatusCode
		rsp.Reason = m.response.Reason
	}
	if m.response.Proto != "" {
		rsp.Proto = m.response.Proto
	}
	rsp.Header = m.response.Header
	rsp.Header.Del("Content-Encoding")
	rsp.Header.Del("Transfer-Encoding")
	rsp.SetBody(m.body)
	return rsp, nil
}

func (m *messageEdit) applyWebsocket(msg *proxy.WSMessage) (*proxy.WSMessage, error) {
	if m.mType != messageTypeChangeWebsocket {
		return nil, errEditMismatch
	}
	msg.Payload = m.body
	return msg, nil
}

type messageMeta struct {
	mType           messageType
	breakPointRules []*breakPointRule
}

func parseMessageMeta(data []byte) *messageMeta {
	content := data[2:]
	rules := make([]*breakPointRule, 0)
	err := json.Unmarshal(content, &rules)
	if err != nil {
		return nil
	}

	return &messageMeta{
		mType:           messageType(data[1]),
		breakPointRules: rules,
	}
}

func (m *messageMeta) toBytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	buf.WriteByte(byte(messageVersion))
	buf.WriteByte(byte(m.mType))

	content, _ := json.Marshal(m.breakPointRules)
	buf.Write(content)

	return buf.Bytes()
}

func parseMessage(data []byte) message {
	if len(data) < 2 {
		return nil
	}

	if data[0] != messageVersion {
		return nil
	}

	if !validMessageType(data[1]) {
		return nil
	}

	mType := (messageType)(data[1])

	switch mType {
	case messageTypeChangeRequest, messageTypeChangeResponse, messageTypeChangeWebsocket,
		messageTypeDropRequest, messageTypeDropResponse, messageTypeDropWebsocket:
		if m := parseMessageEdit(data); m != nil {
			return m
		}
		return nil
	case messageTypeChangeBreakPointRules:
		if m := parseMessageMeta(data); m != nil {
			return m
		}
		return nil
	default:
		slog.Warn("invalid message type", "type", mType)
		return nil
	}
}
