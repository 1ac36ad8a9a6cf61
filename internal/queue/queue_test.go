package queue

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeadersRoundTrip(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/json"}, "X-Trace": []string{"1", "2"}}
	enc, err := EncodeHeaders(h)
	require.NoError(t, err)

	dec, err := DecodeHeaders(enc)
	require.NoError(t, err)
	assert.Equal(t, h, dec)
}

func TestEncodeHeaders_Nil(t *testing.T) {
	enc, err := EncodeHeaders(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", enc)
}

func TestDecodeHeaders_Empty(t *testing.T) {
	h, err := DecodeHeaders("")
	require.NoError(t, err)
	assert.Equal(t, http.Header{}, h)
}
