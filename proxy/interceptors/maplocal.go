package interceptors

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/denisvmedia/go-interceptproxy/internal/helper"
	"github.com/denisvmedia/go-interceptproxy/proxy"
)

type mapLocalTo struct {
	Path string
}

type mapLocalItem struct {
	From   *mapFrom
	To     *mapLocalTo
	Enable bool
}

func (itm *mapLocalItem) match(req *proxy.Request) bool {
	if !itm.Enable {
		return false
	}
	return itm.From.match(req)
}

// response serves the file mapped to req. A directory target is joined with
// the part of the request path matched by a trailing "/*".
func (itm *mapLocalItem) response(req *proxy.Request) (string, *proxy.Response) {
	target := itm.To.Path
	stat, rsp := statFile(target)
	if rsp != nil {
		return target, rsp
	}
	if stat.IsDir() {
		sub := req.URL().Path
		if s, ok := itm.From.subPath(sub); ok {
			sub = s
		}
		target = filepath.Join(itm.To.Path, filepath.FromSlash(path.Clean("/"+sub)))
		stat, rsp = statFile(target)
		if rsp != nil {
			return target, rsp
		}
		if stat.IsDir() {
			slog.Error("map local path should be file", "path", target)
			return target, statusResponse(http.StatusInternalServerError)
		}
	}

	body, err := os.ReadFile(target)
	if err != nil {
		slog.Error("map local read error", "path", target, "error", err)
		return target, statusResponse(http.StatusInternalServerError)
	}
	rsp = statusResponse(http.StatusOK)
	if ct := mime.TypeByExtension(filepath.Ext(target)); ct != "" {
		rsp.Header.Set("Content-Type", ct)
	}
	rsp.SetBody(body)
	return target, rsp
}

func statFile(name string) (fs.FileInfo, *proxy.Response) {
	stat, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, statusResponse(http.StatusNotFound)
		}
		slog.Error("map local os.Stat error", "path", name, "error", err)
		return nil, statusResponse(http.StatusInternalServerError)
	}
	return stat, nil
}

func statusResponse(code int) *proxy.Response {
	rsp := proxy.NewResponse()
	rsp.StatusCode = code
	rsp.Reason = http.StatusText(code)
	rsp.Header.Set("Content-Length", strconv.Itoa(0))
	return rsp
}

// MapLocal answers matching requests with local files. The upstream
// response is replaced before it reaches the client.
type MapLocal struct {
	proxy.BaseInterceptor
	Items  []*mapLocalItem
	Enable bool
}

var _ proxy.Interceptor = (*MapLocal)(nil)

func (ml *MapLocal) Interests() proxy.Interests {
	return proxy.Interests{Responses: ml.Enable}
}

func (ml *MapLocal) MangleResponse(_ context.Context, req *proxy.Request, rsp *proxy.Response) (*proxy.Response, error) {
	if !ml.Enable {
		return rsp, nil
	}
	for _, item := range ml.Items {
		if item.match(req) {
			localfile, local := item.response(req)
			slog.Info("map local", "from", req.FullTarget(), "to", localfile, "status", local.StatusCode)
			return local, nil
		}
	}
	return rsp, nil
}

func (ml *MapLocal) validate() error {
	for i, item := range ml.Items {
		if item.From == nil {
			return fmt.Errorf("%v no item.From", i)
		}
		if err := item.From.validate(i); err != nil {
			return err
		}
		if item.To == nil {
			return fmt.Errorf("%v no item.To", i)
		}
		if item.To.Path == "" {
			return fmt.Errorf("%v empty item.To.Path", i)
		}
	}
	return nil
}

// NewMapLocalFromFile loads rules from a JSON file.
func NewMapLocalFromFile(filename string) (*MapLocal, error) {
	var mapLocal MapLocal
	if err := helper.NewStructFromFile(filename, &mapLocal); err != nil {
		return nil, err
	}
	if err := mapLocal.validate(); err != nil {
		return nil, err
	}
	return &mapLocal, nil
}
