package mempbx

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/amid/internal/pbx"
)

type function struct {
	read  func(channel, args string) (string, error)
	write func(channel, args, value string) error
}

func builtinFunctions(p *PBX) map[string]function {
	return map[string]function{
		"GLOBAL": {
			read: func(_, args string) (string, error) {
				return p.GetVar("", args)
			},
			write: func(_, args, value string) error {
				return p.SetVar("", args, value)
			},
		},
		"LEN": {
			read: func(_, args string) (string, error) {
				return strconv.Itoa(len(args)), nil
			},
		},
		"MD5": {
			read: func(_, args string) (string, error) {
				if args == "" {
					return "", fmt.Errorf("%w: MD5 requires an argument", pbx.ErrInvalidArgument)
				}
				sum := md5.Sum([]byte(args))
				return hex.EncodeToString(sum[:]), nil
			},
		},
		"BASE64_ENCODE": {
			read: func(_, args string) (string, error) {
				return base64.StdEncoding.EncodeToString([]byte(args)), nil
			},
		},
		"BASE64_DECODE": {
			read: func(_, args string) (string, error) {
				out, err := base64.StdEncoding.DecodeString(args)
				if err != nil {
					return "", fmt.Errorf("%w: %v", pbx.ErrInvalidArgument, err)
				}
				return string(out), nil
			},
		},
	}
}

// FunctionNames lists the registered dialplan functions.
func (p *PBX) FunctionNames() []string {
	out := make([]string, 0, len(p.funcs))
	for name := range p.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// splitFunction parses "NAME(args)".
func splitFunction(expr string) (string, string, error) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", fmt.Errorf("%w: malformed function %q", pbx.ErrInvalidArgument, expr)
	}
	return strings.ToUpper(expr[:open]), expr[open+1 : len(expr)-1], nil
}

// ReadFunction evaluates expr such as MD5(text).
func (p *PBX) ReadFunction(channel, expr string) (string, error) {
	name, args, err := splitFunction(expr)
	if err != nil {
		return "", err
	}
	fn, ok := p.funcs[name]
	if !ok || fn.read == nil {
		return "", fmt.Errorf("%w: %s", pbx.ErrNoSuchFunction, name)
	}
	if channel != "" {
		if _, err := p.Channel(channel); err != nil {
			return "", err
		}
	}
	return fn.read(channel, args)
}

// WriteFunction assigns value through expr such as GLOBAL(name).
func (p *PBX) WriteFunction(channel, expr, value string) error {
	name, args, err := splitFunction(expr)
	if err != nil {
		return err
	}
	fn, ok := p.funcs[name]
	if !ok || fn.write == nil {
		return fmt.Errorf("%w: %s", pbx.ErrNoSuchFunction, name)
	}
	if channel != "" {
		if _, err := p.Channel(channel); err != nil {
			return err
		}
	}
	return fn.write(channel, args, value)
}
