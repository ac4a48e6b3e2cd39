package interceptors_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-interceptproxy/proxy"
	"github.com/denisvmedia/go-interceptproxy/proxy/interceptors"
)

// scriptEditor returns an editor running a shell script on the file.
func scriptEditor(c *qt.C, session *interceptors.Session, script string) *interceptors.Editor {
	if runtime.GOOS == "windows" {
		c.Skip("editor scripts need a POSIX shell")
	}
	path := filepath.Join(c.TempDir(), "editor.sh")
	c.Assert(os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755), qt.IsNil)

	e := interceptors.NewEditor(session)
	e.Command = path
	e.Stdin = bytes.NewReader(nil)
	e.Stdout = &bytes.Buffer{}
	e.Stderr = &bytes.Buffer{}
	return e
}

func TestEditorRewritesRequest(t *testing.T) {
	c := qt.New(t)

	e := scriptEditor(c, nil, `sed 's#GET /a#GET /b#' "$1" > "$1.new" && mv "$1.new" "$1"`)
	req := newRequest("/a")
	req.AddTag("keep")

	v, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindRequest, Request: req})

	c.Assert(err, qt.IsNil)
	c.Assert(v.Action, qt.Equals, interceptors.Replace)
	c.Assert(v.Request.Target, qt.Equals, "/b")
	c.Assert(v.Request.DestHost, qt.Equals, "x.test")
	c.Assert(v.Request.UseTLS, qt.IsTrue)
	c.Assert(v.Request.HasTag("keep"), qt.IsTrue)
}

func TestEditorEmptyFileDrops(t *testing.T) {
	c := qt.New(t)

	e := scriptEditor(c, nil, `: > "$1"`)

	v, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindRequest, Request: newRequest("/a")})

	c.Assert(err, qt.IsNil)
	c.Assert(v.Action, qt.Equals, interceptors.Drop)
}

func TestEditorUnchangedPasses(t *testing.T) {
	c := qt.New(t)

	// Appending a final newline like most editors do is not a change.
	e := scriptEditor(c, nil, `printf '\n' >> "$1"`)

	v, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindResponse, Request: newRequest("/a"), Response: newResponse("body")})

	c.Assert(err, qt.IsNil)
	c.Assert(v.Action, qt.Equals, interceptors.Pass)
}

func TestEditorRewritesResponseBody(t *testing.T) {
	c := qt.New(t)

	e := scriptEditor(c, nil, `sed 's#original#changed body#' "$1" > "$1.new" && mv "$1.new" "$1"`)

	v, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindResponse, Request: newRequest("/a"), Response: newResponse("original")})

	c.Assert(err, qt.IsNil)
	c.Assert(v.Action, qt.Equals, interceptors.Replace)
	c.Assert(v.Response.StatusCode, qt.Equals, 200)
	c.Assert(string(v.Response.Body()), qt.Equals, "changed body")
	c.Assert(v.Response.Header.Get("Content-Length"), qt.Equals, "12")
}

func TestEditorRewritesWebsocketPayload(t *testing.T) {
	c := qt.New(t)

	e := scriptEditor(c, nil, `printf 'bye' > "$1"`)
	msg := proxy.NewWSMessage(proxy.ToServer, false, []byte("hi"))

	v, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindWebsocket, Request: newRequest("/ws"), Message: msg})

	c.Assert(err, qt.IsNil)
	c.Assert(v.Action, qt.Equals, interceptors.Replace)
	c.Assert(string(v.Message.Payload), qt.Equals, "bye")
	c.Assert(v.Message.Direction, qt.Equals, proxy.ToServer)
}

func TestEditorCommandFailure(t *testing.T) {
	c := qt.New(t)

	e := scriptEditor(c, nil, `exit 3`)

	_, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindRequest, Request: newRequest("/a")})

	c.Assert(err, qt.ErrorMatches, `run editor .*: exit status 3`)
}

func TestEditorRejectsUnparsableEdit(t *testing.T) {
	c := qt.New(t)

	e := scriptEditor(c, nil, `printf 'garbage\r\n\r\n' > "$1"`)

	_, err := e.Edit(context.Background(), &interceptors.Pending{Kind: proxy.KindRequest, Request: newRequest("/a")})

	c.Assert(err, qt.IsNotNil)
}

func TestEditorRunResolvesSession(t *testing.T) {
	c := qt.New(t)

	session := interceptors.NewSession(proxy.Interests{Requests: true}, 1)
	e := scriptEditor(c, session, `: > "$1"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	got, err := session.MangleRequest(context.Background(), newRequest("/a"))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.IsNil)

	cancel()
	select {
	case err := <-runErr:
		c.Assert(err, qt.ErrorIs, context.Canceled)
	case <-time.After(5 * time.Second):
		c.Fatal("editor loop did not stop")
	}
}
