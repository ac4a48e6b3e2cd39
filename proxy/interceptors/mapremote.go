package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/match"

	"github.com/denisvmedia/go-interceptproxy/internal/helper"
	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// mapFrom selects requests. Empty fields match anything; Host and Path
// accept * and ? wildcards.
type mapFrom struct {
	Protocol string
	Host     string
	Method   []string
	Path     string
}

func (mf *mapFrom) match(req *proxy.Request) bool {
	if mf.Protocol != "" && mf.Protocol != req.Scheme() {
		return false
	}
	if mf.Host != "" {
		addr := net.JoinHostPort(req.DestHost, strconv.Itoa(req.DestPort))
		if !helper.MatchHost(addr, []string{mf.Host}) {
			return false
		}
	}
	if len(mf.Method) > 0 && !lo.Contains(mf.Method, req.Method) {
		return false
	}
	if mf.Path != "" && !match.Match(req.URL().Path, mf.Path) {
		return false
	}
	return true
}

// subPath returns the part of p matched by a trailing "/*" of the pattern.
func (mf *mapFrom) subPath(p string) (string, bool) {
	if !strings.HasSuffix(mf.Path, "/*") {
		return "", false
	}
	prefix := len(mf.Path) - 2
	if prefix > len(p) {
		return "", false
	}
	return p[prefix:], true
}

func (mf *mapFrom) validate(i int) error {
	if mf.Protocol != "" && mf.Protocol != "http" && mf.Protocol != "https" {
		return fmt.Errorf("%v invalid item.From.Protocol %v", i, mf.Protocol)
	}
	return nil
}

type mapRemoteTo struct {
	Protocol string
	Host     string
	Path     string
}

type mapRemoteItem struct {
	From   *mapFrom
	To     *mapRemoteTo
	Enable bool
}

func (itm *mapRemoteItem) match(req *proxy.Request) bool {
	if !itm.Enable {
		return false
	}
	return itm.From.match(req)
}

// replace points req at the target of the rule.
func (itm *mapRemoteItem) replace(req *proxy.Request) (*proxy.Request, error) {
	u := req.URL()
	if itm.To.Protocol != "" {
		u.Scheme = itm.To.Protocol
	}
	if itm.To.Host != "" {
		u.Host = itm.To.Host
	}
	if itm.To.Path != "" {
		if sub, ok := itm.From.subPath(u.Path); ok {
			u.Path = path.Join(itm.To.Path, sub)
		} else {
			u.Path = itm.To.Path
		}
		u.RawPath = ""
	}
	if err := req.SetURL(u); err != nil {
		return nil, err
	}
	return req, nil
}

// MapRemote rewrites the destination of matching requests. The first
// enabled rule that matches wins.
type MapRemote struct {
	proxy.BaseInterceptor
	Items  []*mapRemoteItem
	Enable bool
}

var _ proxy.Interceptor = (*MapRemote)(nil)

func (mr *MapRemote) Interests() proxy.Interests {
	return proxy.Interests{Requests: mr.Enable}
}

func (mr *MapRemote) MangleRequest(_ context.Context, req *proxy.Request) (*proxy.Request, error) {
	if !mr.Enable {
		return req, nil
	}
	for _, item := range mr.Items {
		if !item.match(req) {
			continue
		}
		from := req.FullTarget()
		mapped, err := item.replace(req)
		if err != nil {
			return nil, fmt.Errorf("map remote %s: %w", from, err)
		}
		slog.Info("map remote", "from", from, "to", mapped.FullTarget())
		return mapped, nil
	}
	return req, nil
}

func (mr *MapRemote) validate() error {
	for i, item := range mr.Items {
		if item.From == nil {
			return fmt.Errorf("%v no item.From", i)
		}
		if err := item.From.validate(i); err != nil {
			return err
		}
		if item.To == nil {
			return fmt.Errorf("%v no item.To", i)
		}
		if item.To.Protocol != "" && item.To.Protocol != "http" && item.To.Protocol != "https" {
			return fmt.Errorf("%v invalid item.To.Protocol %v", i, item.To.Protocol)
		}
		if item.To.Host != "" {
			if _, err := url.Parse("//" + item.To.Host); err != nil {
				return fmt.Errorf("%v invalid item.To.Host %v: %w", i, item.To.Host, err)
			}
		}
	}
	return nil
}

// NewMapRemoteFromFile loads rules from a JSON file.
func NewMapRemoteFromFile(filename string) (*MapRemote, error) {
	var mapRemote MapRemote
	if err := helper.NewStructFromFile(filename, &mapRemote); err != nil {
		return nil, err
	}
	if err := mapRemote.validate(); err != nil {
		return nil, err
	}
	return &mapRemote, nil
}
