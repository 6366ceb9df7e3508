// Package payload turns inbound request bodies into the stored form and
// back again for delivery.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"

	"hookrelay/internal/platform/models"
)

type Kind int

const (
	KindRaw Kind = iota
	KindJSON
	KindForm
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindForm:
		return "form"
	default:
		return "raw"
	}
}

// Parsed is a decoded body. Value holds the structured document for JSON
// and form bodies; Raw holds the text for everything else.
type Parsed struct {
	Kind  Kind
	Value any
	Raw   string
}

// ErrMalformedJSON wraps a JSON body that declared itself JSON but did not
// decode.
var ErrMalformedJSON = errors.New("malformed JSON body")

type matcher struct {
	kind  Kind
	match func(mediaType string) bool
}

// matchers are tried in order; the first hit decides how a body is parsed.
var matchers = []matcher{
	{KindJSON, func(mt string) bool { return mt == "application/json" || strings.HasSuffix(mt, "+json") }},
	{KindForm, func(mt string) bool { return mt == "application/x-www-form-urlencoded" }},
}

// MediaType normalizes a Content-Type header to its lower-cased media type.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func Detect(contentType string) Kind {
	mt := MediaType(contentType)
	for _, m := range matchers {
		if m.match(mt) {
			return m.kind
		}
	}
	return KindRaw
}

func Parse(contentType string, body []byte) (Parsed, error) {
	switch Detect(contentType) {
	case KindJSON:
		v, err := decodeJSON(body)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		return Parsed{Kind: KindJSON, Value: v}, nil
	case KindForm:
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return Parsed{Kind: KindRaw, Raw: string(body)}, nil
		}
		return Parsed{Kind: KindForm, Value: formValue(values)}, nil
	default:
		return Parsed{Kind: KindRaw, Raw: string(body)}, nil
	}
}

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

func formValue(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		items := make([]any, len(vs))
		for i, v := range vs {
			items[i] = v
		}
		out[k] = items
	}
	return out
}

// Structured reports whether the payload decoded to a document.
func (p Parsed) Structured() bool {
	return p.Kind == KindJSON || p.Kind == KindForm
}

// Canonical is the text the payload hash is taken over: compact JSON with
// sorted object keys for structured payloads, the body as received
// otherwise. It is never forwarded.
func (p Parsed) Canonical() (string, error) {
	if !p.Structured() {
		return p.Raw, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p.Value); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Hash is the hex SHA-256 of a canonical payload.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Encode returns the column text for body along with its encoding.
// Bodies that are not valid UTF-8 or hold a NUL byte are base64 encoded.
func Encode(body []byte) (text, encoding string) {
	if utf8.Valid(body) && bytes.IndexByte(body, 0) < 0 {
		return string(body), models.EncodingText
	}
	return base64.StdEncoding.EncodeToString(body), models.EncodingBase64
}
