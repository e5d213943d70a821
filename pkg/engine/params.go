package engine

import (
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// MediaDirection направление медиа потока в SDP.
type MediaDirection int

const (
	DirectionSendRecv MediaDirection = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d MediaDirection) attribute() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// CallParams параметры вызова: что предлагать в SDP и какие
// дополнительные свойства запрашивать у удаленной стороны.
type CallParams struct {
	// AudioEnabled включает аудио секцию (всегда true для звонков)
	AudioEnabled bool

	// VideoEnabled включает видео секцию в offer
	VideoEnabled bool

	// Direction направление аудио потока; hold выражается как sendonly
	Direction MediaDirection

	// EarlyMediaAllowed разрешает early media до финального ответа
	EarlyMediaAllowed bool

	// Локальный адрес и порты для медиа
	Host      string
	AudioPort int
	VideoPort int

	// AudioPayloadType тип полезной нагрузки аудио кодека (по умолчанию PCMU)
	AudioPayloadType uint8

	// DTMFEnabled добавляет telephone-event формат
	DTMFEnabled     bool
	DTMFPayloadType uint8
}

// DefaultCallParams возвращает параметры аудио вызова по умолчанию.
func DefaultCallParams() *CallParams {
	return &CallParams{
		AudioEnabled:     true,
		Direction:        DirectionSendRecv,
		Host:             "127.0.0.1",
		AudioPort:        10000,
		VideoPort:        10002,
		AudioPayloadType: 0, // PCMU
		DTMFEnabled:      true,
		DTMFPayloadType:  101,
	}
}

// BuildOffer строит SDP offer из параметров вызова.
//
// Структура offer повторяет минимальный профиль RTP/AVP: одна аудио
// секция, опциональная видео секция при VideoEnabled, направление
// потока атрибутом сессии.
func (p *CallParams) BuildOffer() (*sdp.SessionDescription, error) {
	now := uint64(time.Now().Unix())
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.Host,
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	if p.AudioEnabled {
		offer.MediaDescriptions = append(offer.MediaDescriptions, p.buildAudioMedia())
	}
	if p.VideoEnabled {
		offer.MediaDescriptions = append(offer.MediaDescriptions, p.buildVideoMedia())
	}

	return offer, nil
}

func (p *CallParams) buildAudioMedia() *sdp.MediaDescription {
	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: p.AudioPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(p.AudioPayloadType))},
		},
	}

	m.Attributes = append(m.Attributes, sdp.NewPropertyAttribute(p.Direction.attribute()))
	m.Attributes = append(m.Attributes, sdp.NewAttribute("rtpmap",
		strconv.Itoa(int(p.AudioPayloadType))+" PCMU/8000"))

	if p.DTMFEnabled {
		dtmfPT := strconv.Itoa(int(p.DTMFPayloadType))
		m.MediaName.Formats = append(m.MediaName.Formats, dtmfPT)
		m.Attributes = append(m.Attributes, sdp.NewAttribute("rtpmap", dtmfPT+" telephone-event/8000"))
		m.Attributes = append(m.Attributes, sdp.NewAttribute("fmtp", dtmfPT+" 0-16"))
	}

	return m
}

func (p *CallParams) buildVideoMedia() *sdp.MediaDescription {
	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: p.VideoPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"96"},
		},
	}

	m.Attributes = append(m.Attributes, sdp.NewPropertyAttribute(p.Direction.attribute()))
	m.Attributes = append(m.Attributes, sdp.NewAttribute("rtpmap", "96 H264/90000"))

	return m
}

// Marshal сериализует offer в текстовую форму для тела INVITE.
func (p *CallParams) Marshal() ([]byte, error) {
	offer, err := p.BuildOffer()
	if err != nil {
		return nil, err
	}
	return offer.Marshal()
}
