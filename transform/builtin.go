package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/glimte/busbridge/contracts"
)

var (
	// ErrBodyTooLarge is returned by MaxBodySize
	ErrBodyTooLarge = errors.New("message body too large")

	// ErrMissingHeader is returned by RequireHeader
	ErrMissingHeader = errors.New("required header missing")
)

// HeaderFilter drops messages whose header key equals value. An empty value
// drops every message that carries the header at all.
func HeaderFilter(key, value string) Func {
	return func(msg contracts.Message, _ Direction) Result {
		v, ok := msg.GetHeader(key)
		if ok && (value == "" || v == value) {
			return Dropped()
		}
		return Passed(msg)
	}
}

// StripHeaders removes the given headers
func StripHeaders(keys ...string) Func {
	return func(msg contracts.Message, _ Direction) Result {
		out := msg
		changed := false
		for _, k := range keys {
			if _, ok := out.GetHeader(k); ok {
				out = out.WithoutHeader(k)
				changed = true
			}
		}
		if !changed {
			return Passed(msg)
		}
		return Modified(out)
	}
}

// SetHeaders sets fixed header values, overwriting existing ones
func SetHeaders(headers map[string]string) Func {
	return func(msg contracts.Message, _ Direction) Result {
		out := msg
		for k, v := range headers {
			out = out.WithHeader(k, v)
		}
		return Modified(out)
	}
}

// MaxBodySize fails messages whose encoded body exceeds limit bytes
func MaxBodySize(limit int) Func {
	return func(msg contracts.Message, _ Direction) Result {
		if n := msg.GetBody().Len(); n > limit {
			return Failed(fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, n, limit))
		}
		return Passed(msg)
	}
}

// RequireHeader fails messages without the header
func RequireHeader(key string) Func {
	return func(msg contracts.Message, _ Direction) Result {
		if _, ok := msg.GetHeader(key); !ok {
			return Failed(fmt.Errorf("%w: %s", ErrMissingHeader, key))
		}
		return Passed(msg)
	}
}

// OnlyDirection restricts fn to one direction and passes everything else
func OnlyDirection(dir Direction, fn Func) Func {
	return func(msg contracts.Message, d Direction) Result {
		if d != dir {
			return Passed(msg)
		}
		return fn(msg, d)
	}
}

func withDirection(params map[string]string, fn Func) (Func, error) {
	switch strings.ToLower(params["direction"]) {
	case "":
		return fn, nil
	case "inbound":
		return OnlyDirection(Inbound, fn), nil
	case "outbound":
		return OnlyDirection(Outbound, fn), nil
	default:
		return nil, fmt.Errorf("invalid direction %q", params["direction"])
	}
}

func headerFilterFactory(params map[string]string) (Func, error) {
	key := params["header"]
	if key == "" {
		return nil, errors.New("param header is required")
	}
	return withDirection(params, HeaderFilter(key, params["value"]))
}

func stripHeadersFactory(params map[string]string) (Func, error) {
	var keys []string
	for _, k := range strings.Split(params["headers"], ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("param headers is required")
	}
	return withDirection(params, StripHeaders(keys...))
}

func setHeadersFactory(params map[string]string) (Func, error) {
	headers := make(map[string]string)
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, "header."); ok {
			headers[name] = v
		}
	}
	if len(headers) == 0 {
		return nil, errors.New("at least one header.<name> param is required")
	}
	return withDirection(params, SetHeaders(headers))
}

func maxBodySizeFactory(params map[string]string) (Func, error) {
	limit, err := strconv.Atoi(params["bytes"])
	if err != nil || limit < 0 {
		return nil, fmt.Errorf("param bytes must be a non-negative integer: %q", params["bytes"])
	}
	return withDirection(params, MaxBodySize(limit))
}

func requireHeaderFactory(params map[string]string) (Func, error) {
	key := params["header"]
	if key == "" {
		return nil, errors.New("param header is required")
	}
	return withDirection(params, RequireHeader(key))
}
