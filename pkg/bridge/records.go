package bridge

import (
	"time"

	"github.com/arzzra/call_bridge/pkg/engine"
)

// Direction направление вызова.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// CallRecord изменяемое состояние одного вызова, ключ — CallID движка.
// Запись не знает о понятиях провайдера: соответствие токену живет в
// CorrelationTable.
type CallRecord struct {
	ID        engine.CallID
	Direction Direction

	// IsFromReferral вызов порожден переводом другого вызова
	IsFromReferral bool

	// SASRequested запрошено подтверждение SAS (ZRTP)
	SASRequested bool

	// IntendsVideo вызов задуман с видео
	IntendsVideo bool

	// IsConferenceCall вызов состоит в конференции; hold/resume для
	// него выражается через enter/leave конференции
	IsConferenceCall bool

	// RecordingPath путь файла записи разговора; переживает перевод
	RecordingPath string

	// ConnectedToProvider отчет «исходящий соединен» уже отправлен.
	// Защищает необратимый эффект от повторной доставки события.
	ConnectedToProvider bool

	// StartedConnectingReported отчет «начал соединяться» уже отправлен
	StartedConnectingReported bool

	// EndedByProvider завершение инициировано провайдером (нативный
	// UI); повторный ReportEnded не нужен
	EndedByProvider bool

	// Muted микрофон выключен
	Muted bool

	// RemoteAddress адрес удаленной стороны для UI и логов
	RemoteAddress string

	// State последнее состояние, сообщенное движком
	State engine.CallState

	// Synthesized запись создана политикой восстановления для события
	// с неизвестным CallID (см. CallRecordStore.GetOrSynthesize)
	Synthesized bool

	CreatedAt time.Time
}

// CallRecordStore хранилище записей вызовов.
//
// Принадлежит Synchronization Façade, мутируется только из его
// очереди; блокировок не имеет.
type CallRecordStore struct {
	records map[engine.CallID]*CallRecord
	logger  StructuredLogger
	metrics *Metrics
}

// NewCallRecordStore создает пустое хранилище.
func NewCallRecordStore(logger StructuredLogger, metrics *Metrics) *CallRecordStore {
	return &CallRecordStore{
		records: make(map[engine.CallID]*CallRecord),
		logger:  logger.WithComponent("records"),
		metrics: metrics,
	}
}

// Create создает запись для вызова. Повторный Create для того же id
// возвращает существующую запись.
func (s *CallRecordStore) Create(id engine.CallID, direction Direction) *CallRecord {
	if existing, ok := s.records[id]; ok {
		return existing
	}

	rec := &CallRecord{
		ID:        id,
		Direction: direction,
		State:     engine.StateIdle,
		CreatedAt: time.Now(),
	}
	s.records[id] = rec
	s.metrics.activeCalls.Set(float64(len(s.records)))
	return rec
}

// Get возвращает запись вызова.
func (s *CallRecordStore) Get(id engine.CallID) (*CallRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// GetOrSynthesize возвращает запись, при отсутствии синтезируя
// минимальную.
//
// Переход состояния для неизвестного CallID означает нарушение порядка
// доставки между процессами — это восстановимая ситуация, а не крах:
// порядок доставки провайдера и движка контрактно не гарантирован.
func (s *CallRecordStore) GetOrSynthesize(id engine.CallID, direction Direction) *CallRecord {
	if rec, ok := s.records[id]; ok {
		return rec
	}

	s.logger.Warn("событие для неизвестного вызова, синтезируем запись",
		String("call_id", string(id)))
	s.metrics.outOfOrderEvents.Inc()

	rec := s.Create(id, direction)
	rec.Synthesized = true
	return rec
}

// Mutate применяет fn к записи, если она существует.
func (s *CallRecordStore) Mutate(id engine.CallID, fn func(*CallRecord)) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Remove удаляет запись вызова.
func (s *CallRecordStore) Remove(id engine.CallID) {
	delete(s.records, id)
	s.metrics.activeCalls.Set(float64(len(s.records)))
}

// All возвращает все записи. Порядок не определен.
func (s *CallRecordStore) All() []*CallRecord {
	out := make([]*CallRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Len число записей.
func (s *CallRecordStore) Len() int {
	return len(s.records)
}
