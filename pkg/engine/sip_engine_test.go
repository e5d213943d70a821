package engine

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine() *SIPEngine {
	cfg := DefaultSIPEngineConfig()
	cfg.DisplayName = "Тест"
	return &SIPEngine{
		config: cfg,
		calls:  make(map[CallID]*sipCall),
		contactURI: sip.Uri{
			Scheme: "sip",
			User:   cfg.Contact,
			Host:   hostOf(cfg.ListenAddr),
			Port:   portOf(cfg.ListenAddr),
		},
	}
}

// TestBuildInviteHeaders проверяет, что INVITE собирается со всеми
// обязательными заголовками еще до отправки: Call-ID нужен для учета
// вызова по идентификатору движка.
func TestBuildInviteHeaders(t *testing.T) {
	e := testEngine()

	var remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com", &remote))

	req, err := e.buildInvite(remote, DefaultCallParams())
	require.NoError(t, err)

	cid := req.CallID()
	require.NotNil(t, cid, "Call-ID должен быть добавлен при сборке")
	assert.NotEmpty(t, cid.Value())

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, sip.INVITE, cseq.MethodName)
	assert.Equal(t, uint32(1), cseq.SeqNo)

	from := req.From()
	require.NotNil(t, from)
	tag, ok := from.Params.Get("tag")
	assert.True(t, ok)
	assert.NotEmpty(t, tag)

	assert.NotEmpty(t, req.Body(), "INVITE несет SDP offer")
}

// TestBuildInviteUniqueCallID два INVITE подряд получают разные Call-ID.
func TestBuildInviteUniqueCallID(t *testing.T) {
	e := testEngine()

	var remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com", &remote))

	first, err := e.buildInvite(remote, DefaultCallParams())
	require.NoError(t, err)
	second, err := e.buildInvite(remote, DefaultCallParams())
	require.NoError(t, err)

	assert.NotEqual(t, first.CallID().Value(), second.CallID().Value())
}

// TestBuildAck проверяет сборку ACK на 2xx: тот же Request-URI и номер
// CSeq что у INVITE, To с тегом удаленной стороны из ответа.
func TestBuildAck(t *testing.T) {
	e := testEngine()

	var remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com", &remote))

	invite, err := e.buildInvite(remote, DefaultCallParams())
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	res.To().Params = res.To().Params.Add("tag", "remote-tag-1")

	ack := buildAck(invite, res)

	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, invite.Recipient.String(), ack.Recipient.String())

	require.NotNil(t, ack.CallID())
	assert.Equal(t, invite.CallID().Value(), ack.CallID().Value())

	cseq := ack.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, invite.CSeq().SeqNo, cseq.SeqNo)
	assert.Equal(t, sip.ACK, cseq.MethodName)

	to := ack.To()
	require.NotNil(t, to)
	tag, ok := to.Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, "remote-tag-1", tag)
}

// TestDeclineStatus маппинг причин отклонения в SIP коды.
func TestDeclineStatus(t *testing.T) {
	cases := []struct {
		reason Reason
		code   int
	}{
		{ReasonBusy, sip.StatusBusyHere},
		{ReasonDoNotDisturb, sip.StatusTemporarilyUnavailable},
		{ReasonNotAnswered, sip.StatusTemporarilyUnavailable},
		{ReasonDeclined, 603},
		{ReasonUnknown, 603},
	}
	for _, tc := range cases {
		code, text := declineStatus(tc.reason)
		assert.Equal(t, tc.code, code)
		assert.NotEmpty(t, text)
	}
}
