package imagecodec

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c := New(1 << 20)
	raw := pngBytes(t)

	uri, err := c.Encode(raw, "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	again, err := c.Encode(raw, "image/png")
	require.NoError(t, err)
	assert.Equal(t, uri, again)

	decoded, mime, err := c.Decode(uri)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
	assert.Equal(t, "image/png", mime)
}

func TestDecode_PlainBase64(t *testing.T) {
	c := New(0)
	raw := pngBytes(t)

	decoded, _, err := c.Decode(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestValidate_Errors(t *testing.T) {
	c := New(16)

	_, err := c.Encode(pngBytes(t), "")
	assert.ErrorIs(t, err, ai.ErrPayloadTooLarge)

	_, err = New(0).Encode([]byte("plain text, not an image"), "")
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)

	_, err = New(0).Encode(nil, "")
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)

	_, err = New(0).Encode(pngBytes(t), "image/tiff")
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)

	_, err = New(0).Encode(pngBytes(t), "image/jpg")
	assert.NoError(t, err)

	_, _, err = New(0).Decode("data:image/png,notbase64")
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)

	_, _, err = New(0).Decode("%%%")
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)
}

func TestToModelPayload(t *testing.T) {
	raw := pngBytes(t)
	part, err := New(0).ToModelPayload(raw, "")
	require.NoError(t, err)

	assert.Equal(t, "image/png", part.MimeType)
	assert.Equal(t, raw, part.Data)
	assert.True(t, strings.HasPrefix(part.DataURI, "data:image/png;base64,"))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, ".webp", ExtensionFor("image/webp"))
	assert.Equal(t, ".png", ExtensionFor("application/octet-stream"))
}
