package interceptors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

const defaultEditor = "vi"

// Editor resolves the messages of a Session by opening each one in a text
// editor. Saving an empty file drops the exchange.
type Editor struct {
	// Command is the editor to run. It defaults to $EDITOR, then vi. It may
	// carry arguments, the file name is appended.
	Command string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer

	session *Session
	logger  *slog.Logger
}

// NewEditor creates an editor attached to the terminal of the process.
func NewEditor(session *Session) *Editor {
	return &Editor{
		Command: os.Getenv("EDITOR"),
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		session: session,
		logger:  slog.Default().With("in", "interceptors.Editor"),
	}
}

// Run edits pending messages one at a time until ctx is done. A message the
// editor fails on is passed through.
func (e *Editor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-e.session.Queue():
			v, err := e.Edit(ctx, p)
			if err != nil {
				e.logger.Warn("editing failed, passing message through", "id", p.ID, "error", err)
				v = Verdict{Action: Pass}
			}
			if err := e.session.Resolve(p.ID, v); err != nil {
				e.logger.Debug("message no longer pending", "id", p.ID)
			}
		}
	}
}

// Edit opens p in the editor and turns the saved file into a verdict.
func (e *Editor) Edit(ctx context.Context, p *Pending) (Verdict, error) {
	original := pendingBytes(p)

	f, err := os.CreateTemp("", "interceptproxy-*.txt")
	if err != nil {
		return Verdict{}, err
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(original); err != nil {
		f.Close()
		return Verdict{}, err
	}
	if err := f.Close(); err != nil {
		return Verdict{}, err
	}

	if err := e.run(ctx, path); err != nil {
		return Verdict{}, err
	}
	edited, err := os.ReadFile(path)
	if err != nil {
		return Verdict{}, err
	}
	return verdictFromEdit(p, original, edited)
}

func (e *Editor) run(ctx context.Context, path string) error {
	command := e.Command
	if strings.TrimSpace(command) == "" {
		command = defaultEditor
	}
	args := strings.Fields(command)
	cmd := exec.CommandContext(ctx, args[0], append(args[1:], path)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = e.Stdin, e.Stdout, e.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run editor %q: %w", command, err)
	}
	return nil
}

func pendingBytes(p *Pending) []byte {
	switch p.Kind {
	case proxy.KindRequest:
		return p.Request.Bytes()
	case proxy.KindResponse:
		return p.Response.Bytes()
	default:
		return p.Message.Payload
	}
}

// verdictFromEdit compares the saved text with what was offered. Editors
// tend to add a final newline; it is ignored when the original had none.
func verdictFromEdit(p *Pending, original, edited []byte) (Verdict, error) {
	if len(bytes.TrimSpace(edited)) == 0 {
		return Verdict{Action: Drop}, nil
	}
	if !bytes.HasSuffix(original, []byte("\n")) {
		edited = bytes.TrimSuffix(bytes.TrimSuffix(edited, []byte("\n")), []byte("\r"))
	}
	if bytes.Equal(original, edited) {
		return Verdict{Action: Pass}, nil
	}

	switch p.Kind {
	case proxy.KindRequest:
		req, err := reparseRequest(p.Request, edited)
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Action: Replace, Request: req}, nil
	case proxy.KindResponse:
		rsp, err := reparseResponse(p.Request.Method, edited)
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Action: Replace, Response: rsp}, nil
	default:
		msg := p.Message.Clone()
		msg.Payload = edited
		return Verdict{Action: Replace, Message: msg}, nil
	}
}

var errNoHeaderEnd = errors.New("edited message has no end of headers")

// splitMessage separates the header section from the body and restores CRLF
// line endings in the header section. Framing headers are dropped since the
// body length follows the edited text.
func splitMessage(data []byte) ([]byte, []byte, error) {
	var head, body []byte
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		head, body = data[:i], data[i+4:]
	} else if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		head, body = data[:i], data[i+2:]
	} else {
		head = bytes.TrimRight(data, "\r\n")
		if len(head) == 0 {
			return nil, nil, errNoHeaderEnd
		}
	}

	var out bytes.Buffer
	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, _, _ := strings.Cut(line, ":")
		if strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		out.WriteString(line)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	return out.Bytes(), body, nil
}

func reparseRequest(orig *proxy.Request, data []byte) (*proxy.Request, error) {
	head, body, err := splitMessage(data)
	if err != nil {
		return nil, err
	}
	req, err := proxy.ParseRequest(head)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 || orig.Header.Has("Content-Length") {
		req.SetBody(body)
	}
	req.DestHost, req.DestPort, req.UseTLS = orig.DestHost, orig.DestPort, orig.UseTLS
	req.ID = orig.ID
	req.StartTime = orig.StartTime
	for _, tag := range orig.TagList() {
		req.AddTag(tag)
	}
	return req, nil
}

func reparseResponse(method string, data []byte) (*proxy.Response, error) {
	head, body, err := splitMessage(data)
	if err != nil {
		return nil, err
	}
	rsp, err := proxy.ParseResponse(head, method)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 || bodyAllowed(rsp.StatusCode) {
		rsp.SetBody(body)
	}
	return rsp, nil
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}
