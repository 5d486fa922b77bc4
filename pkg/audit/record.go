package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DeletionType - вид операции жизненного цикла
type DeletionType string

const (
	DeletionSoft    DeletionType = "soft"
	DeletionHard    DeletionType = "hard"
	DeletionRestore DeletionType = "restore"
)

// Valid проверяет известное значение
func (t DeletionType) Valid() bool {
	switch t {
	case DeletionSoft, DeletionHard, DeletionRestore:
		return true
	}
	return false
}

// ErrTampered - запись журнала не совпадает со своей печатью
var ErrTampered = errors.New("audit record seal mismatch")

// Record - запись журнала удалений
type Record struct {
	EntityType   string       `json:"entity_type"`
	EntityID     string       `json:"entity_id"`
	DeletionType DeletionType `json:"deletion_type"`
	Actor        string       `json:"actor,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	Reason       string       `json:"reason,omitempty"`
	// Hash - HMAC-SHA256 остальных полей в hex
	Hash string `json:"record_hash,omitempty"`
}

// NewRecord создает запись с текущим временем.
// Время усекается до микросекунд: столько хранят все поддерживаемые СУБД.
func NewRecord(entityType, entityID string, typ DeletionType, actor, reason string) Record {
	return Record{
		EntityType:   entityType,
		EntityID:     entityID,
		DeletionType: typ,
		Actor:        actor,
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		Reason:       reason,
	}
}

// Validate проверяет обязательные поля
func (r Record) Validate() error {
	if r.EntityType == "" {
		return fmt.Errorf("audit record: entity type is required")
	}
	if r.EntityID == "" {
		return fmt.Errorf("audit record: entity id is required")
	}
	if !r.DeletionType.Valid() {
		return fmt.Errorf("audit record: unknown deletion type %q", r.DeletionType)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("audit record: timestamp is required")
	}
	return nil
}

// ToJSON - преобразовать в JSON
func (r Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func (r Record) String() string {
	return fmt.Sprintf("[%s] %s %s/%s by %q (%s)",
		r.Timestamp.Format(time.RFC3339),
		r.DeletionType,
		r.EntityType,
		r.EntityID,
		r.Actor,
		r.Reason,
	)
}

// Sealer подписывает записи журнала ключом HMAC
type Sealer struct {
	key []byte
}

// NewSealer создает подписчик. Пустой ключ заменяется случайным,
// тогда проверка работает только в пределах процесса.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate audit key: %w", err)
		}
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal возвращает копию записи с заполненным Hash
func (s *Sealer) Seal(r Record) Record {
	r.Hash = hex.EncodeToString(s.mac(r))
	return r
}

// Verify сверяет Hash с содержимым записи
func (s *Sealer) Verify(r Record) error {
	got, err := hex.DecodeString(r.Hash)
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: %s/%s has no valid seal", ErrTampered, r.EntityType, r.EntityID)
	}
	if !hmac.Equal(got, s.mac(r)) {
		return fmt.Errorf("%w: %s/%s", ErrTampered, r.EntityType, r.EntityID)
	}
	return nil
}

func (s *Sealer) mac(r Record) []byte {
	h := hmac.New(sha256.New, s.key)
	var buf []byte
	for _, f := range []string{r.EntityType, r.EntityID, string(r.DeletionType), r.Actor, r.Reason} {
		buf = binary.AppendUvarint(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp.UnixMicro()))
	h.Write(buf)
	return h.Sum(nil)
}
