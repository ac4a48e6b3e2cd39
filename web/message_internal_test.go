// This file contains tests for internal web message parsing and validation.
//
// Justification:
// - validMessageType: validates binary protocol message types
// - parseMessageEdit, parseMessageMeta: parse binary websocket messages
// - messageFlow.toBytes, messageEdit.toBytes: serialize messages to wire format
// - messageEdit.apply*: turn client edits back into proxied messages
//
// These are core protocol parsing functions that define the websocket communication
// protocol between the proxy and the web interface. They require whitebox testing
// to ensure correctness of the binary format implementation.

package web

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

func TestValidMessageTypeAcceptsKnownTypes(t *testing.T) {
	c := qt.New(t)

	knownTypes := []byte{0, 1, 2, 3, 4, 5, 6, 11, 12, 13, 14, 15, 16, 21}

	for _, typ := range knownTypes {
		c.Assert(validMessageType(typ), qt.IsTrue)
	}
}

func TestValidMessageTypeRejectsUnknownTypes(t *testing.T) {
	c := qt.New(t)

	unknownTypes := []byte{7, 8, 9, 10, 17, 20, 99, 255}

	for _, typ := range unknownTypes {
		c.Assert(validMessageType(typ), qt.IsFalse)
	}
}

func TestMessageFlowToBytesHasCorrectFormat(t *testing.T) {
	c := qt.New(t)

	id := uuid.NewV4()
	msg := &messageFlow{
		mType:         messageTypeRequest,
		id:            id,
		waitIntercept: 1,
		content:       []byte("test content"),
	}

	bytes := msg.toBytes()

	c.Assert(bytes[0], qt.Equals, byte(messageVersion))
	c.Assert(bytes[1], qt.Equals, byte(messageTypeRequest))
	c.Assert(string(bytes[2:38]), qt.Equals, id.String())
	c.Assert(bytes[38], qt.Equals, byte(1))
	c.Assert(string(bytes[39:]), qt.Equals, "test content")
}

func TestNewMessageRequestCarriesRequestHead(t *testing.T) {
	c := qt.New(t)

	req := proxy.NewRequest()
	req.Method = "POST"
	req.Target = "/submit"
	req.DestHost = "x.test"
	req.DestPort = 443
	req.UseTLS = true
	req.Header.Add("Host", "x.test")

	msg, err := newMessageRequest(uuid.NewV4(), uuid.Nil, req)
	c.Assert(err, qt.IsNil)

	var decoded struct {
		Request map[string]any `json:"request"`
		ConnID  string         `json:"connId"`
	}
	c.Assert(json.Unmarshal(msg.content, &decoded), qt.IsNil)
	c.Assert(decoded.Request["method"], qt.Equals, "POST")
	c.Assert(decoded.Request["url"], qt.Equals, "https://x.test/submit")
	c.Assert(decoded.ConnID, qt.Equals, uuid.Nil.String())
}

func TestNewMessageBodyFallsBackToRawBody(t *testing.T) {
	c := qt.New(t)

	rsp := proxy.NewResponse()
	rsp.Header.Set("Content-Encoding", "gzip")
	rsp.SetBody([]byte("not gzip"))

	msg := newMessageBody(messageTypeResponseBody, uuid.NewV4(), rsp.DecodedBody, rsp.Body())

	c.Assert(string(msg.content), qt.Equals, "not gzip")
}

func TestNewMessageWebsocketEncodesDirectionAndType(t *testing.T) {
	c := qt.New(t)

	msg := newMessageWebsocket(uuid.NewV4(), proxy.NewWSMessage(proxy.ToClient, true, []byte{9, 8}))

	c.Assert(msg.mType, qt.Equals, messageTypeWebsocket)
	c.Assert(msg.content, qt.DeepEquals, []byte{byte(proxy.ToClient), 1, 9, 8})
}

func TestParseMessageEditReturnsNilForShortData(t *testing.T) {
	c := qt.New(t)

	shortData := []byte{1, 2, 3}
	msg := parseMessageEdit(shortData)

	c.Assert(msg, qt.IsNil)
}

func TestParseMessageEditParsesDropRequest(t *testing.T) {
	c := qt.New(t)

	id := uuid.NewV4()
	data := make([]byte, 38)
	data[0] = messageVersion
	data[1] = byte(messageTypeDropRequest)
	copy(data[2:38], []byte(id.String()))

	msg := parseMessageEdit(data)

	c.Assert(msg, qt.IsNotNil)
	c.Assert(msg.mType, qt.Equals, messageTypeDropRequest)
	c.Assert(msg.id, qt.Equals, id)
}

func encodeEdit(mType messageType, id uuid.UUID, headerJSON, body []byte) []byte {
	data := make([]byte, 46+len(headerJSON)+len(body))
	data[0] = messageVersion
	data[1] = byte(mType)
	copy(data[2:38], []byte(id.String()))
	binary.BigEndian.PutUint32(data[38:42], uint32(len(headerJSON)))
	copy(data[42:42+len(headerJSON)], headerJSON)
	binary.BigEndian.PutUint32(data[42+len(headerJSON):46+len(headerJSON)], uint32(len(body)))
	copy(data[46+len(headerJSON):], body)
	return data
}

func TestParseMessageEditParsesChangeRequest(t *testing.T) {
	c := qt.New(t)

	id := uuid.NewV4()
	headerJSON := []byte(`{"method":"GET","url":"http://example.com/a","proto":"HTTP/1.1","header":[["Host","example.com"]]}`)
	body := []byte("request body")

	msg := parseMessageEdit(encodeEdit(messageTypeChangeRequest, id, headerJSON, body))

	c.Assert(msg, qt.IsNotNil)
	c.Assert(msg.mType, qt.Equals, messageTypeChangeRequest)
	c.Assert(msg.id, qt.Equals, id)
	c.Assert(msg.request, qt.IsNotNil)
	c.Assert(msg.request.Method, qt.Equals, "GET")
	c.Assert(msg.request.Header.Get("Host"), qt.Equals, "example.com")
	c.Assert(msg.body, qt.DeepEquals, body)
}

func TestParseMessageEditRejectsLengthMismatch(t *testing.T) {
	c := qt.New(t)

	data := encodeEdit(messageTypeChangeRequest, uuid.NewV4(), []byte(`{}`), []byte("body"))

	c.Assert(parseMessageEdit(data[:len(data)-1]), qt.IsNil)
	c.Assert(parseMessageEdit(append(data, 'x')), qt.IsNil)
}

func TestParseMessageEditRejectsHeaderOnWebsocketChange(t *testing.T) {
	c := qt.New(t)

	data := encodeEdit(messageTypeChangeWebsocket, uuid.NewV4(), []byte(`{}`), []byte("payload"))

	c.Assert(parseMessageEdit(data), qt.IsNil)
}

func TestMessageEditRoundTrip(t *testing.T) {
	c := qt.New(t)

	id := uuid.NewV4()
	h := proxy.NewResponse().Header
	h.Add("X-A", "1")
	edit := &messageEdit{
		mType:    messageTypeChangeResponse,
		id:       id,
		response: &responseEdit{StatusCode: 404, Reason: "Not Found", Header: h},
		body:     []byte("gone"),
	}

	parsed := parseMessage(edit.toBytes())

	got, ok := parsed.(*messageEdit)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.id, qt.Equals, id)
	c.Assert(got.response.StatusCode, qt.Equals, 404)
	c.Assert(got.response.Header.Get("X-A"), qt.Equals, "1")
	c.Assert(string(got.body), qt.Equals, "gone")
}

func TestApplyRequestEdit(t *testing.T) {
	c := qt.New(t)

	req := proxy.NewRequest()
	req.Method = "GET"
	req.Target = "/a"
	req.DestHost = "x.test"
	req.DestPort = 443
	req.UseTLS = true

	h := proxy.NewRequest().Header
	h.Add("Host", "y.test")
	h.Add("Content-Encoding", "gzip")
	edit := &messageEdit{
		mType:   messageTypeChangeRequest,
		request: &requestEdit{Method: "POST", URL: "http://y.test:8080/b", Header: h},
		body:    []byte("plain"),
	}

	got, err := edit.applyRequest(req)

	c.Assert(err, qt.IsNil)
	c.Assert(got.Method, qt.Equals, "POST")
	c.Assert(got.DestHost, qt.Equals, "y.test")
	c.Assert(got.DestPort, qt.Equals, 8080)
	c.Assert(got.UseTLS, qt.IsFalse)
	c.Assert(got.Target, qt.Equals, "/b")
	c.Assert(got.Header.Has("Content-Encoding"), qt.IsFalse)
	c.Assert(got.Header.Get("Content-Length"), qt.Equals, "5")
	c.Assert(string(got.Body()), qt.Equals, "plain")
}

func TestApplyEditMismatch(t *testing.T) {
	c := qt.New(t)

	edit := &messageEdit{mType: messageTypeChangeResponse}

	_, err := edit.applyRequest(proxy.NewRequest())
	c.Assert(err, qt.ErrorIs, errEditMismatch)
	_, err = edit.applyWebsocket(proxy.NewWSMessage(proxy.ToServer, false, nil))
	c.Assert(err, qt.ErrorIs, errEditMismatch)
}

func TestParseMetaMessageExtractsBreakpointRules(t *testing.T) {
	c := qt.New(t)

	rulesJSON := []byte(`[{"method":"GET","url":"http://example.com","action":3}]`)
	data := make([]byte, 2+len(rulesJSON))
	data[0] = messageVersion
	data[1] = byte(messageTypeChangeBreakPointRules)
	copy(data[2:], rulesJSON)

	msg := parseMessageMeta(data)

	c.Assert(msg, qt.IsNotNil)
	c.Assert(msg.mType, qt.Equals, messageTypeChangeBreakPointRules)
	c.Assert(len(msg.breakPointRules), qt.Equals, 1)
	c.Assert(msg.breakPointRules[0].Method, qt.Equals, "GET")
	c.Assert(msg.breakPointRules[0].URL, qt.Equals, "http://example.com")
	c.Assert(msg.breakPointRules[0].Action, qt.Equals, 3)
}

func TestParseMessageRejectsWrongVersion(t *testing.T) {
	c := qt.New(t)

	c.Assert(parseMessage([]byte{1, byte(messageTypeDropRequest)}), qt.IsNil)
	c.Assert(parseMessage([]byte{messageVersion}), qt.IsNil)
	c.Assert(parseMessage([]byte{messageVersion, byte(messageTypeRequest)}), qt.IsNil)
}

func TestNewMessageConnCloseEncodesFlowCount(t *testing.T) {
	c := qt.New(t)

	connCtx := &proxy.ConnContext{
		ClientConn: &proxy.ClientConn{ID: uuid.NewV4()},
	}
	connCtx.FlowCount.Store(42)

	msg := newMessageConnClose(connCtx)

	c.Assert(msg.mType, qt.Equals, messageTypeConnClose)
	c.Assert(msg.id, qt.Equals, connCtx.ID())
	c.Assert(len(msg.content), qt.Equals, 4)

	flowCount := binary.BigEndian.Uint32(msg.content)
	c.Assert(flowCount, qt.Equals, uint32(42))
}
