package interp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/codexec/internal/policy"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	maxSocketRead   = 64 << 10
	maxResponseBody = 4 << 20
)

var errNoNetwork = errors.New("network access is not available")

var netModule = &starlarkstruct.Module{
	Name: "net",
	Members: starlark.StringDict{
		"connect": starlark.NewBuiltin("net.connect", netConnect),
	},
}

var httpModule = &starlarkstruct.Module{
	Name: "http",
	Members: starlark.StringDict{
		"get":  starlark.NewBuiltin("http.get", httpDo),
		"post": starlark.NewBuiltin("http.post", httpDo),
	},
}

func network(thread *starlark.Thread) (*run, *policy.NetworkPolicy, error) {
	r := runFrom(thread)
	if r == nil || r.cfg.Network == nil {
		return nil, nil, errNoNetwork
	}
	return r, r.cfg.Network, nil
}

// netConnect implements net.connect(host, port, data=None, timeout=5): it
// opens a TCP connection, sends data if given and returns what the peer
// writes back until it closes the connection or the timeout expires.
func netConnect(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var host string
	var port int
	var data starlark.Value = starlark.None
	var timeoutArg starlark.Value = starlark.MakeInt(5)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"host", &host, "port", &port, "data?", &data, "timeout?", &timeoutArg); err != nil {
		return nil, err
	}
	timeout, ok := starlark.AsFloat(timeoutArg)
	if !ok || timeout <= 0 {
		return nil, fmt.Errorf("%s: timeout must be a positive number", b.Name())
	}
	r, np, err := network(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	d := time.Duration(timeout * float64(time.Second))
	ctx, cancel := context.WithTimeout(r.ctx, d)
	defer cancel()

	conn, err := np.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(d))

	if s, ok := starlark.AsString(data); ok && s != "" {
		if _, err := io.WriteString(conn, s); err != nil {
			return nil, fmt.Errorf("%s: write: %w", b.Name(), err)
		}
	}
	buf, err := io.ReadAll(io.LimitReader(conn, maxSocketRead))
	var ne net.Error
	if err != nil && !(errors.As(err, &ne) && ne.Timeout()) {
		return nil, fmt.Errorf("%s: read: %w", b.Name(), err)
	}
	return starlark.String(buf), nil
}

// httpDo implements http.get(url, headers={}) and http.post(url, body="", headers={}).
func httpDo(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url, body string
	var headers *starlark.Dict
	method := http.MethodGet
	var err error
	if b.Name() == "http.post" {
		method = http.MethodPost
		err = starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "body?", &body, "headers?", &headers)
	} else {
		err = starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "headers?", &headers)
	}
	if err != nil {
		return nil, err
	}
	r, np, err := network(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	req, err := http.NewRequestWithContext(r.ctx, method, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if headers != nil {
		for _, item := range headers.Items() {
			k, _ := starlark.AsString(item[0])
			v, _ := starlark.AsString(item[1])
			req.Header.Set(k, v)
		}
	}

	resp, err := np.HTTPClient(r.cfg.HTTPTimeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), url, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", b.Name(), url, err)
	}

	names := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		names = append(names, k)
	}
	slices.Sort(names)
	hdrs := starlark.NewDict(len(names))
	for _, k := range names {
		_ = hdrs.SetKey(starlark.String(strings.ToLower(k)), starlark.String(resp.Header.Get(k)))
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"status_code": starlark.MakeInt(resp.StatusCode),
		"body":        starlark.String(payload),
		"headers":     hdrs,
		"ok":          starlark.Bool(resp.StatusCode >= 200 && resp.StatusCode < 300),
	}), nil
}
