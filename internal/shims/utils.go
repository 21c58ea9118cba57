package shims

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/scripterr"
)

// MaxRandomBytes caps a single randomBytes call.
const MaxRandomBytes = 64 << 10

var hashes = map[string]func() hash.Hash{
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha256":   sha256.New,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
}

func hashFunc(alg string) sandbox.HostFunc {
	return func(_ context.Context, args []any) (any, error) {
		return digest(alg, argString(args, 0))
	}
}

func digest(alg, data string) (string, error) {
	newHash, ok := hashes[strings.ToLower(alg)]
	if !ok {
		return "", scripterr.Validationf("hash algorithm", "unsupported algorithm %q", alg)
	}
	h := newHash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hmacHex computes hmac(alg, key, data) as hex.
func hmacHex(_ context.Context, args []any) (any, error) {
	alg := argString(args, 0)
	newHash, ok := hashes[strings.ToLower(alg)]
	if !ok {
		return nil, scripterr.Validationf("hash algorithm", "unsupported algorithm %q", alg)
	}
	mac := hmac.New(newHash, []byte(argString(args, 1)))
	mac.Write([]byte(argString(args, 2)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func randomBytes(_ context.Context, args []any) (any, error) {
	n := argInt(args, 0, 16)
	if n < 0 || n > MaxRandomBytes {
		return nil, scripterr.Validationf("randomBytes", "size %d out of range 0..%d", n, MaxRandomBytes)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	switch enc := argString(args, 1); enc {
	case "", "hex":
		return hex.EncodeToString(buf), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(buf), nil
	default:
		return nil, scripterr.Validationf("encoding", "unsupported encoding %q", enc)
	}
}

func base64Encode(_ context.Context, args []any) (any, error) {
	return base64.StdEncoding.EncodeToString([]byte(argString(args, 0))), nil
}

func base64Decode(_ context.Context, args []any) (any, error) {
	s := strings.TrimRight(strings.TrimSpace(argString(args, 0)), "=")
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.RawURLEncoding.DecodeString(s); err != nil {
			return nil, scripterr.Validationf("base64", "invalid input: %v", err)
		}
	}
	return string(b), nil
}

func hexEncode(_ context.Context, args []any) (any, error) {
	return hex.EncodeToString([]byte(argString(args, 0))), nil
}

func hexDecode(_ context.Context, args []any) (any, error) {
	b, err := hex.DecodeString(argString(args, 0))
	if err != nil {
		return nil, scripterr.Validationf("hex", "invalid input: %v", err)
	}
	return string(b), nil
}

func urlEncode(_ context.Context, args []any) (any, error) {
	return url.QueryEscape(argString(args, 0)), nil
}

func urlDecode(_ context.Context, args []any) (any, error) {
	s, err := url.QueryUnescape(argString(args, 0))
	if err != nil {
		return nil, scripterr.Validationf("url", "invalid input: %v", err)
	}
	return s, nil
}

func now(_ context.Context, _ []any) (any, error) {
	return time.Now().UnixMilli(), nil
}

func unix(_ context.Context, _ []any) (any, error) {
	return time.Now().Unix(), nil
}

var layouts = map[string]string{
	"":         time.RFC3339,
	"iso":      "2006-01-02T15:04:05.000Z07:00",
	"rfc3339":  time.RFC3339,
	"rfc1123":  time.RFC1123,
	"date":     time.DateOnly,
	"time":     time.TimeOnly,
	"datetime": time.DateTime,
}

// formatTime renders epoch milliseconds in UTC. The layout is one of the
// named layouts or a Go reference layout.
func formatTime(_ context.Context, args []any) (any, error) {
	ms := argInt(args, 0, time.Now().UnixMilli())
	layout := argString(args, 1)
	if named, ok := layouts[strings.ToLower(layout)]; ok {
		layout = named
	}
	return time.UnixMilli(ms).UTC().Format(layout), nil
}

func newUUID(_ context.Context, _ []any) (any, error) {
	return uuid.NewString(), nil
}

func validUUID(_ context.Context, args []any) (any, error) {
	return uuid.Validate(argString(args, 0)) == nil, nil
}

func hashNamed(_ context.Context, args []any) (any, error) {
	return digest(argString(args, 0), argString(args, 1))
}

func cryptoModule() sandbox.Object {
	return sandbox.Object{
		"md5":         hashFunc("md5"),
		"sha1":        hashFunc("sha1"),
		"sha256":      hashFunc("sha256"),
		"sha512":      hashFunc("sha512"),
		"sha3":        hashFunc("sha3-256"),
		"hash":        sandbox.HostFunc(hashNamed),
		"hmac":        sandbox.HostFunc(hmacHex),
		"randomBytes": sandbox.HostFunc(randomBytes),
	}
}

func encodingModule() sandbox.Object {
	return sandbox.Object{
		"base64Encode": sandbox.HostFunc(base64Encode),
		"base64Decode": sandbox.HostFunc(base64Decode),
		"hexEncode":    sandbox.HostFunc(hexEncode),
		"hexDecode":    sandbox.HostFunc(hexDecode),
		"urlEncode":    sandbox.HostFunc(urlEncode),
		"urlDecode":    sandbox.HostFunc(urlDecode),
	}
}

// Utilities is the bru.utils namespace. Every function is pure apart from
// the clock and the random source.
func Utilities() sandbox.Object {
	u := sandbox.Object{
		"uuid":       sandbox.HostFunc(newUUID),
		"now":        sandbox.HostFunc(now),
		"unix":       sandbox.HostFunc(unix),
		"formatTime": sandbox.HostFunc(formatTime),
	}
	for k, v := range cryptoModule() {
		u[k] = v
	}
	for k, v := range encodingModule() {
		u[k] = v
	}
	return u
}

// Builtins are the modules require resolves without touching the
// filesystem.
func Builtins() map[string]sandbox.Object {
	return map[string]sandbox.Object{
		"uuid": {
			"v4":       sandbox.HostFunc(newUUID),
			"validate": sandbox.HostFunc(validUUID),
		},
		"bru/crypto":   cryptoModule(),
		"bru/encoding": encodingModule(),
	}
}
