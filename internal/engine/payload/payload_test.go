package payload

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/platform/blob"
	"hookrelay/internal/platform/models"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		contentType string
		want        Kind
	}{
		{"application/json", KindJSON},
		{"Application/JSON; charset=utf-8", KindJSON},
		{"application/vnd.github+json", KindJSON},
		{"application/x-www-form-urlencoded", KindForm},
		{"text/plain", KindRaw},
		{"application/xml", KindRaw},
		{"", KindRaw},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.contentType))
		})
	}
}

func TestParse_JSONCanonical(t *testing.T) {
	p, err := Parse("application/json", []byte(`{ "b": 1.50, "a": {"z": true, "y": "<tag>"} }`))
	require.NoError(t, err)
	assert.Equal(t, KindJSON, p.Kind)

	stored, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"<tag>","z":true},"b":1.50}`, stored)

	// key order in the input does not change the hash
	q, err := Parse("application/json", []byte(`{"a":{"z":true,"y":"<tag>"},"b":1.50}`))
	require.NoError(t, err)
	other, err := q.Canonical()
	require.NoError(t, err)
	assert.Equal(t, Hash(stored), Hash(other))
}

func TestParse_MalformedJSON(t *testing.T) {
	for _, body := range []string{`{"a":`, ``, `{"a":1} trailing`} {
		_, err := Parse("application/json", []byte(body))
		assert.ErrorIs(t, err, ErrMalformedJSON, body)
	}
}

func TestParse_Form(t *testing.T) {
	p, err := Parse("application/x-www-form-urlencoded", []byte("name=alice&tag=a&tag=b"))
	require.NoError(t, err)
	assert.Equal(t, KindForm, p.Kind)

	stored, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"alice","tag":["a","b"]}`, stored)
}

func TestParse_Raw(t *testing.T) {
	body := "<xml>hello</xml>"
	p, err := Parse("application/xml", []byte(body))
	require.NoError(t, err)
	assert.False(t, p.Structured())

	stored, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, body, stored)
}

func TestHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(""))
	assert.Len(t, Hash("hello"), 64)
}

func TestExtractByPath(t *testing.T) {
	p, err := Parse("application/json", []byte(`{"id":"evt_1","data":{"object":{"id":42,"live":false,"tags":["x","y"],"meta":{}}},"nothing":null}`))
	require.NoError(t, err)

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"$.id", "evt_1", true},
		{"id", "evt_1", true},
		{"$.data.object.id", "42", true},
		{"$.data.object.live", "false", true},
		{"$.data.object.tags.1", "y", true},
		{"$.data.object.tags.9", "", false},
		{"$.data.object.meta", "", false},
		{"$.data.missing.id", "", false},
		{"$.nothing", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := ExtractByPath(p.Value, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ExtractByPath("just a string", "$.id")
	assert.False(t, ok)
}

func TestHeaders_RoundTrip(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Signature", "abc")
	h.Add("X-Multi", "1")
	h.Add("X-Multi", "2")
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")

	captured := CaptureHeaders(h)
	assert.Equal(t, map[string]string{
		"content-type": "application/json",
		"x-signature":  "abc",
		"x-multi":      "1, 2",
	}, captured)

	stored, err := EncodeHeaders(captured)
	require.NoError(t, err)
	assert.Equal(t, captured, DecodeHeaders(stored))
	assert.Equal(t, []string{"content-type", "x-multi", "x-signature"}, HeaderNames(captured))
}

func TestDecodeHeaders_Malformed(t *testing.T) {
	assert.Empty(t, DecodeHeaders(""))
	assert.Empty(t, DecodeHeaders("not json"))
	assert.Empty(t, DecodeHeaders(`{"a":1}`))
}

func TestEncode(t *testing.T) {
	text, enc := Encode([]byte(`{"id":"evt_1"}`))
	assert.Equal(t, `{"id":"evt_1"}`, text)
	assert.Equal(t, models.EncodingText, enc)

	text, enc = Encode([]byte("héllo"))
	assert.Equal(t, "héllo", text)
	assert.Equal(t, models.EncodingText, enc)

	for _, body := range [][]byte{{0x00, 0x01}, {'a', 0xff, 'b'}, []byte("nul\x00inside")} {
		text, enc = Encode(body)
		assert.Equal(t, models.EncodingBase64, enc)
		data, err := RefOf(&models.Webhook{Payload: text, PayloadEncoding: enc}).Resolve(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, body, data)
	}

	_, err := Base64("not base64!").Resolve(context.Background(), nil)
	assert.Error(t, err)
}

func TestOffloadAndResolve(t *testing.T) {
	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	small := []byte("small")
	s, err := Offload(ctx, store, "wh_small", small, 16)
	require.NoError(t, err)
	assert.Equal(t, Stored{Payload: "small", Encoding: models.EncodingText}, s)

	big := append([]byte{0x00, 0xff}, strings.Repeat("b", 64)...)
	s, err = Offload(ctx, store, "wh_big", big, 16)
	require.NoError(t, err)
	assert.Empty(t, s.Payload)
	assert.Equal(t, models.EncodingText, s.Encoding)
	require.NotNil(t, s.Location)
	assert.Equal(t, "payloads/wh_big", *s.Location)

	w := &models.Webhook{Payload: s.Payload, PayloadEncoding: s.Encoding, PayloadLocation: s.Location}
	ref := RefOf(w)
	assert.IsType(t, Blob(""), ref)
	data, err := ref.Resolve(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, big, data)

	data, err = RefOf(&models.Webhook{Payload: "small"}).Resolve(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, small, data)

	// without a store everything stays inline
	s, err = Offload(ctx, nil, "wh_big", big, 16)
	require.NoError(t, err)
	assert.Nil(t, s.Location)
	assert.Equal(t, models.EncodingBase64, s.Encoding)
	assert.IsType(t, Base64(""), RefOf(&models.Webhook{Payload: s.Payload, PayloadEncoding: s.Encoding}))

	_, err = Blob("payloads/x").Resolve(ctx, nil)
	assert.ErrorIs(t, err, blob.ErrNotConfigured)
}
