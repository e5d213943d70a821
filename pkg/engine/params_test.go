package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildOfferAudioOnly offer по умолчанию содержит только аудио
// секцию с sendrecv и telephone-event
func TestBuildOfferAudioOnly(t *testing.T) {
	params := DefaultCallParams()

	offer, err := params.BuildOffer()
	require.NoError(t, err)
	require.Len(t, offer.MediaDescriptions, 1)

	audio := offer.MediaDescriptions[0]
	assert.Equal(t, "audio", audio.MediaName.Media)
	assert.Equal(t, params.AudioPort, audio.MediaName.Port.Value)
	assert.Contains(t, audio.MediaName.Formats, "0")
	assert.Contains(t, audio.MediaName.Formats, "101")

	raw, err := offer.Marshal()
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "a=sendrecv")
	assert.Contains(t, body, "telephone-event/8000")
	assert.Contains(t, body, "PCMU/8000")
}

// TestBuildOfferWithVideo при VideoEnabled добавляется видео секция
func TestBuildOfferWithVideo(t *testing.T) {
	params := DefaultCallParams()
	params.VideoEnabled = true

	offer, err := params.BuildOffer()
	require.NoError(t, err)
	require.Len(t, offer.MediaDescriptions, 2)

	video := offer.MediaDescriptions[1]
	assert.Equal(t, "video", video.MediaName.Media)
	assert.Equal(t, params.VideoPort, video.MediaName.Port.Value)

	raw, err := offer.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "H264/90000")
}

// TestBuildOfferHoldDirection удержание выражается атрибутом sendonly
func TestBuildOfferHoldDirection(t *testing.T) {
	params := DefaultCallParams()
	params.Direction = DirectionSendOnly

	raw, err := params.Marshal()
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, "a=sendonly")
	assert.False(t, strings.Contains(body, "a=sendrecv"))
}

// TestBuildOfferWithoutDTMF без DTMF telephone-event не объявляется
func TestBuildOfferWithoutDTMF(t *testing.T) {
	params := DefaultCallParams()
	params.DTMFEnabled = false

	raw, err := params.Marshal()
	require.NoError(t, err)

	body := string(raw)
	assert.False(t, strings.Contains(body, "telephone-event"))

	offer, _ := params.BuildOffer()
	assert.Equal(t, []string{"0"}, offer.MediaDescriptions[0].MediaName.Formats)
}
