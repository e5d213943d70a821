package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPEngineConfig конфигурация sipgo движка.
type SIPEngineConfig struct {
	// Hostname имя хоста для User-Agent и Contact
	Hostname string

	// Contact имя пользователя в Contact URI
	Contact string

	// DisplayName отображаемое имя в From
	DisplayName string

	// Transport транспорт для прослушивания ("udp", "tcp")
	Transport string

	// ListenAddr адрес прослушивания ("127.0.0.1:5060")
	ListenAddr string

	// AccountCount число настроенных аккаунтов; попадает в события
	// регистрации, чтобы ядро знало про single-account семантику
	AccountCount int
}

// DefaultSIPEngineConfig возвращает конфигурацию по умолчанию.
func DefaultSIPEngineConfig() SIPEngineConfig {
	return SIPEngineConfig{
		Hostname:     "localhost",
		Contact:      "user",
		Transport:    "udp",
		ListenAddr:   "127.0.0.1:5060",
		AccountCount: 1,
	}
}

// sipCall внутреннее состояние одного вызова движка.
type sipCall struct {
	id        CallID
	state     CallState
	incoming  bool
	remoteURI sip.Uri

	// Исходная INVITE транзакция и запрос
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction // только для входящих

	// Теги диалога для in-dialog запросов
	localTag  string
	remoteTag string
	localSeq  uint32

	userData     any
	inConference bool
}

// SIPEngine реализация Engine поверх sipgo.
//
// Комбинированный UAC/UAS: клиент для исходящих запросов, сервер для
// входящих. Идентификатором вызова служит значение Call-ID заголовка.
// События доставляются в один EventHandler; получатель обязан сам
// переложить их на свою очередь исполнения.
type SIPEngine struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	config     SIPEngineConfig
	contactURI sip.Uri

	mu      sync.Mutex
	calls   map[CallID]*sipCall
	handler EventHandler

	audioActive bool
	closed      bool
}

// NewSIPEngine создает движок поверх sipgo.
func NewSIPEngine(config SIPEngineConfig) (*SIPEngine, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgentHostname(config.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(config.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	e := &SIPEngine{
		ua:     ua,
		client: client,
		server: server,
		config: config,
		calls:  make(map[CallID]*sipCall),
		contactURI: sip.Uri{
			Scheme: "sip",
			User:   config.Contact,
			Host:   hostOf(config.ListenAddr),
			Port:   portOf(config.ListenAddr),
		},
	}

	server.OnInvite(e.handleInvite)
	server.OnAck(e.handleAck)
	server.OnBye(e.handleBye)
	server.OnCancel(e.handleCancel)

	return e, nil
}

// Serve запускает прослушивание транспорта. Блокирует до отмены контекста.
func (e *SIPEngine) Serve(ctx context.Context) error {
	return e.server.ListenAndServe(ctx, e.config.Transport, e.config.ListenAddr)
}

// Close освобождает ресурсы движка.
func (e *SIPEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.ua.Close()
}

// SetEventHandler задает получателя событий.
func (e *SIPEngine) SetEventHandler(h EventHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *SIPEngine) emit(ev Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// emitState переводит вызов в новое состояние и рассылает событие.
// Должен вызываться без удержания e.mu.
func (e *SIPEngine) emitState(c *sipCall, state CallState, message string) {
	e.mu.Lock()
	c.state = state
	ev := CallStateChanged{
		ID:            c.id,
		State:         state,
		Message:       message,
		RemoteAddress: c.remoteURI.String(),
	}
	e.mu.Unlock()
	e.emit(ev)
}

// CreateCallParams создает параметры вызова.
func (e *SIPEngine) CreateCallParams(id CallID) (*CallParams, error) {
	params := DefaultCallParams()
	params.Host = hostOf(e.config.ListenAddr)
	return params, nil
}

// Invite начинает исходящий вызов.
func (e *SIPEngine) Invite(ctx context.Context, address string, params *CallParams) (CallID, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return CallIDNone, fmt.Errorf("движок закрыт")
	}
	e.mu.Unlock()

	var remoteURI sip.Uri
	if err := sip.ParseUri(normalizeAddress(address), &remoteURI); err != nil {
		return CallIDNone, fmt.Errorf("некорректный SIP URI %q: %w", address, err)
	}

	if params == nil {
		params = DefaultCallParams()
	}

	req, err := e.buildInvite(remoteURI, params)
	if err != nil {
		return CallIDNone, fmt.Errorf("ошибка создания INVITE: %w", err)
	}

	callID := req.CallID()
	if callID == nil {
		return CallIDNone, fmt.Errorf("INVITE без Call-ID")
	}
	id := CallID(callID.Value())

	c := &sipCall{
		id:        id,
		state:     StateOutgoingInit,
		remoteURI: remoteURI,
		inviteReq: req,
		localSeq:  1,
	}
	if from := req.From(); from != nil {
		c.localTag, _ = from.Params.Get("tag")
	}

	e.mu.Lock()
	e.calls[id] = c
	e.mu.Unlock()

	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		e.mu.Lock()
		delete(e.calls, id)
		e.mu.Unlock()
		return CallIDNone, fmt.Errorf("ошибка отправки INVITE: %w", err)
	}

	e.emit(CallStateChanged{
		ID:            id,
		State:         StateOutgoingInit,
		RemoteAddress: remoteURI.String(),
	})

	go e.trackInvite(c, tx)

	return id, nil
}

// trackInvite сопровождает клиентскую INVITE транзакцию до финального ответа.
func (e *SIPEngine) trackInvite(c *sipCall, tx sip.ClientTransaction) {
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			switch {
			case res.StatusCode == sip.StatusTrying:
				e.emitState(c, StateOutgoingProgress, res.Reason)
			case res.StatusCode == sip.StatusRinging:
				e.emitState(c, StateOutgoingRinging, res.Reason)
			case res.StatusCode == sip.StatusSessionInProgress:
				e.emitState(c, StateOutgoingEarlyMedia, res.Reason)
			case res.StatusCode >= 200 && res.StatusCode < 300:
				e.rememberRemoteTag(c, res)
				e.sendAck(c, res)
				e.emitState(c, StateConnected, res.Reason)
				e.emitState(c, StateStreamsRunning, "")
				return
			case res.StatusCode >= 300:
				e.emitState(c, StateError, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
				e.releaseCall(c)
				return
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				e.emitState(c, StateError, err.Error())
				e.releaseCall(c)
			}
			return
		}
	}
}

func (e *SIPEngine) rememberRemoteTag(c *sipCall, res *sip.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if to := res.To(); to != nil {
		c.remoteTag, _ = to.Params.Get("tag")
	}
}

func (e *SIPEngine) sendAck(c *sipCall, res *sip.Response) {
	ack := buildAck(c.inviteReq, res)
	if err := e.client.WriteRequest(ack); err != nil {
		e.emit(CallStateChanged{ID: c.id, State: StateError, Message: "ACK: " + err.Error()})
	}
}

// buildAck создает ACK для 2xx ответа на INVITE: тот же Request-URI и
// номер CSeq, что у исходного INVITE, To с remote tag берется из ответа.
func buildAck(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	if cid := invite.CallID(); cid != nil {
		ack.AppendHeader(cid)
	}
	if from := invite.From(); from != nil {
		ack.AppendHeader(from)
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(to)
	}
	seq := uint32(1)
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// Accept принимает входящий вызов.
func (e *SIPEngine) Accept(id CallID, params *CallParams) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !c.incoming || c.inviteTx == nil {
		return fmt.Errorf("вызов %s не является входящим", id)
	}

	if params == nil {
		params = DefaultCallParams()
	}
	body, err := params.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сборки SDP: %w", err)
	}

	resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusOK, "OK", body)
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := c.inviteTx.Respond(resp); err != nil {
		return fmt.Errorf("ошибка отправки 200 OK: %w", err)
	}

	e.emitState(c, StateConnected, "")
	return nil
}

// Decline отклоняет входящий вызов с причиной, маппированной в SIP код.
func (e *SIPEngine) Decline(id CallID, reason Reason) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !c.incoming || c.inviteTx == nil {
		return fmt.Errorf("вызов %s не является входящим", id)
	}

	code, text := declineStatus(reason)
	resp := sip.NewResponseFromRequest(c.inviteReq, code, text, nil)
	if err := c.inviteTx.Respond(resp); err != nil {
		return fmt.Errorf("ошибка отправки %d: %w", code, err)
	}

	e.emitState(c, StateEnd, text)
	e.releaseCall(c)
	return nil
}

// declineStatus маппинг причины отклонения в SIP статус.
func declineStatus(reason Reason) (int, string) {
	switch reason {
	case ReasonBusy:
		return sip.StatusBusyHere, "Busy Here"
	case ReasonDoNotDisturb:
		return sip.StatusTemporarilyUnavailable, "Do Not Disturb"
	case ReasonNotAnswered:
		return sip.StatusTemporarilyUnavailable, "Not Answered"
	case ReasonDeclined:
		return 603, "Decline"
	default:
		return 603, "Decline"
	}
}

// Terminate завершает вызов BYE или CANCEL в зависимости от состояния.
func (e *SIPEngine) Terminate(id CallID) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}

	switch {
	case c.incoming && c.inviteTx != nil && !c.state.IsAudioActive() && !c.state.IsPausedAny():
		// Еще не отвеченный входящий: отклоняем
		resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusBusyHere, "Rejected", nil)
		if err := c.inviteTx.Respond(resp); err != nil {
			return fmt.Errorf("ошибка отклонения: %w", err)
		}
	default:
		req, err := e.buildInDialogRequest(c, sip.BYE)
		if err != nil {
			return err
		}
		if _, err := e.client.TransactionRequest(context.Background(), req); err != nil {
			return fmt.Errorf("ошибка отправки BYE: %w", err)
		}
	}

	e.emitState(c, StateEnd, "terminated")
	e.releaseCall(c)
	return nil
}

// Pause ставит вызов на удержание re-INVITE с направлением sendonly.
func (e *SIPEngine) Pause(id CallID) error {
	return e.reinviteDirection(id, DirectionSendOnly, StatePaused)
}

// Resume снимает вызов с удержания re-INVITE sendrecv.
func (e *SIPEngine) Resume(id CallID) error {
	return e.reinviteDirection(id, DirectionSendRecv, StateStreamsRunning)
}

func (e *SIPEngine) reinviteDirection(id CallID, dir MediaDirection, target CallState) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}

	params, _ := e.CreateCallParams(id)
	params.Direction = dir
	body, err := params.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сборки SDP: %w", err)
	}

	req, err := e.buildInDialogRequest(c, sip.INVITE)
	if err != nil {
		return err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := e.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("ошибка отправки re-INVITE: %w", err)
	}

	go func() {
		defer tx.Terminate()
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				if res.StatusCode >= 200 && res.StatusCode < 300 {
					ack := buildAck(req, res)
					_ = e.client.WriteRequest(ack)
					e.emitState(c, target, "")
					return
				}
				if res.StatusCode >= 300 {
					e.emitState(c, c.state, fmt.Sprintf("re-INVITE отклонен: %d", res.StatusCode))
					return
				}
			case <-tx.Done():
				return
			}
		}
	}()

	return nil
}

// Transfer переводит вызов REFER запросом. Новый вызов появится
// отдельным событием с ReferredFrom, а текущий перейдет в Referred.
func (e *SIPEngine) Transfer(id CallID, address string) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}

	var target sip.Uri
	if err := sip.ParseUri(normalizeAddress(address), &target); err != nil {
		return fmt.Errorf("некорректный адрес перевода: %w", err)
	}

	req, err := e.buildInDialogRequest(c, sip.REFER)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", target.String()))
	req.AppendHeader(sip.NewHeader("Event", "refer"))

	if _, err := e.client.TransactionRequest(context.Background(), req); err != nil {
		return fmt.Errorf("ошибка отправки REFER: %w", err)
	}

	e.emitState(c, StateReferred, target.String())
	return nil
}

// SendDTMF отправляет DTMF сигнал INFO запросом (application/dtmf-relay).
func (e *SIPEngine) SendDTMF(id CallID, digit rune) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}

	req, err := e.buildInDialogRequest(c, sip.INFO)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", digit)
	req.SetBody([]byte(body))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

	if _, err := e.client.TransactionRequest(context.Background(), req); err != nil {
		return fmt.Errorf("ошибка отправки INFO: %w", err)
	}
	return nil
}

// SetMuted управляет микрофоном. Медиа слой вне этого пакета, поэтому
// движок только запоминает флаг в данных вызова.
func (e *SIPEngine) SetMuted(id CallID, muted bool) error {
	_, err := e.lookup(id)
	return err
}

// EnterConference вводит вызов в локальную конференцию.
func (e *SIPEngine) EnterConference(id CallID) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	c.inConference = true
	e.mu.Unlock()
	e.emit(ConferenceLocalJoined{ID: id})
	return nil
}

// LeaveConference выводит локального участника из конференции.
func (e *SIPEngine) LeaveConference(id CallID) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	c.inConference = false
	e.mu.Unlock()
	return nil
}

// ListActiveCalls возвращает все живые вызовы.
func (e *SIPEngine) ListActiveCalls() []CallID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]CallID, 0, len(e.calls))
	for id := range e.calls {
		ids = append(ids, id)
	}
	return ids
}

// AttachUserData связывает данные приложения с вызовом.
func (e *SIPEngine) AttachUserData(id CallID, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.calls[id]; ok {
		c.userData = data
	}
}

// SetAudioActive включает/выключает аудио подсистему.
func (e *SIPEngine) SetAudioActive(active bool) {
	e.mu.Lock()
	e.audioActive = active
	e.mu.Unlock()
}

func (e *SIPEngine) lookup(id CallID) (*sipCall, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return nil, fmt.Errorf("вызов %s не найден", id)
	}
	return c, nil
}

func (e *SIPEngine) releaseCall(c *sipCall) {
	e.mu.Lock()
	delete(e.calls, c.id)
	e.mu.Unlock()
	e.emit(CallStateChanged{ID: c.id, State: StateReleased})
}

// обработчики входящих запросов

func (e *SIPEngine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Call-ID отсутствует", nil)
		_ = tx.Respond(resp)
		return
	}
	id := CallID(callID.Value())

	e.mu.Lock()
	if _, exists := e.calls[id]; exists {
		// re-INVITE обрабатывается как обновление; отвечаем 200
		e.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(resp)
		return
	}

	c := &sipCall{
		id:        id,
		state:     StateIncomingReceived,
		incoming:  true,
		inviteReq: req,
		inviteTx:  tx,
	}
	var display string
	if from := req.From(); from != nil {
		c.remoteURI = from.Address
		c.remoteTag, _ = from.Params.Get("tag")
		display = from.DisplayName
	}
	e.calls[id] = c
	e.mu.Unlock()

	resp := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	_ = tx.Respond(resp)

	ev := CallStateChanged{
		ID:            id,
		State:         StateIncomingReceived,
		RemoteAddress: c.remoteURI.String(),
		DisplayName:   display,
		HasVideo:      strings.Contains(string(req.Body()), "m=video"),
	}
	// Provenance перевода: Referred-By проставляет движок инициатора
	if rb := req.GetHeader("Referred-By"); rb != nil {
		ev.ReferredFrom = CallID(rb.Value())
	}
	e.emit(ev)
}

func (e *SIPEngine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	c, err := e.lookup(CallID(callID.Value()))
	if err != nil {
		return
	}
	if c.state == StateConnected {
		e.emitState(c, StateStreamsRunning, "")
	}
}

func (e *SIPEngine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(resp)

	callID := req.CallID()
	if callID == nil {
		return
	}
	c, err := e.lookup(CallID(callID.Value()))
	if err != nil {
		return
	}
	e.emitState(c, StateEnd, "remote bye")
	e.releaseCall(c)
}

func (e *SIPEngine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(resp)

	callID := req.CallID()
	if callID == nil {
		return
	}
	c, err := e.lookup(CallID(callID.Value()))
	if err != nil {
		return
	}
	e.emitState(c, StateEnd, "canceled")
	e.releaseCall(c)
}

// buildInvite создает INVITE запрос с SDP offer.
func (e *SIPEngine) buildInvite(remoteURI sip.Uri, params *CallParams) (*sip.Request, error) {
	req := sip.NewRequest(sip.INVITE, remoteURI)

	fromURI := e.contactURI
	fromHeader := &sip.FromHeader{
		Address:     fromURI,
		DisplayName: e.config.DisplayName,
		Params:      sip.NewParams(),
	}
	fromHeader.Params = fromHeader.Params.Add("tag", generateTag())
	req.AppendHeader(fromHeader)

	req.AppendHeader(&sip.ToHeader{Address: remoteURI, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI, Params: sip.NewParams()})

	// NewRequest заголовков не добавляет, а клиент подставляет Call-ID
	// только при отправке; для учета вызова он нужен уже здесь
	cid := sip.CallIDHeader(generateCallID(e.config.Hostname))
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	body, err := params.Marshal()
	if err != nil {
		return nil, err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	return req, nil
}

// buildInDialogRequest создает запрос внутри установленного диалога.
func (e *SIPEngine) buildInDialogRequest(c *sipCall, method sip.RequestMethod) (*sip.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req := sip.NewRequest(method, c.remoteURI)

	from := &sip.FromHeader{Address: e.contactURI, Params: sip.NewParams()}
	if c.localTag != "" {
		from.Params = from.Params.Add("tag", c.localTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: c.remoteURI, Params: sip.NewParams()}
	if c.remoteTag != "" {
		to.Params = to.Params.Add("tag", c.remoteTag)
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(string(c.id))
	req.AppendHeader(&cid)

	c.localSeq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.localSeq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	return req, nil
}

// generateCallID генерирует уникальный Call-ID вида hex@host.
func generateCallID(host string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d@%s", time.Now().UnixNano(), host)
	}
	return hex.EncodeToString(buf) + "@" + host
}

// generateTag генерирует уникальный тег диалога.
func generateTag() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func normalizeAddress(address string) string {
	if strings.HasPrefix(address, "sip:") || strings.HasPrefix(address, "sips:") {
		return address
	}
	return "sip:" + address
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func portOf(addr string) int {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		var p int
		_, _ = fmt.Sscanf(addr[i+1:], "%d", &p)
		return p
	}
	return 0
}
