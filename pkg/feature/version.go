package feature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenKind - физическое представление версии в конкретном диалекте
type TokenKind uint8

const (
	TokenNone TokenKind = iota
	TokenCounter
	TokenBytes
	TokenTimestamp
)

func (k TokenKind) String() string {
	switch k {
	case TokenCounter:
		return "counter"
	case TokenBytes:
		return "bytes"
	case TokenTimestamp:
		return "timestamp"
	default:
		return "none"
	}
}

// VersionToken - непрозрачная версия строки.
//
// Токен не поддерживает арифметику и сравнивается только на равенство.
// Движок подписывает токены, выданные при чтении, привязывая их к слою и
// идентификатору сущности; запись принимает только подписанные токены.
type VersionToken struct {
	kind TokenKind
	raw  string
	seal string
}

// CounterToken - версия-счетчик (триггер или счетчик приложения)
func CounterToken(v int64) VersionToken {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return VersionToken{kind: TokenCounter, raw: string(b[:])}
}

// BytesToken - нативный rowversion
func BytesToken(b []byte) VersionToken {
	return VersionToken{kind: TokenBytes, raw: string(b)}
}

// TimestampToken - версия по времени изменения
func TimestampToken(t time.Time) VersionToken {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(t.Unix()))
	binary.BigEndian.PutUint32(b[8:], uint32(t.Nanosecond()))
	return VersionToken{kind: TokenTimestamp, raw: string(b[:])}
}

// IsZero - версии нет (нестрогая запись)
func (t VersionToken) IsZero() bool { return t.kind == TokenNone }

// Kind возвращает представление токена
func (t VersionToken) Kind() TokenKind { return t.kind }

// Sealed - токен подписан движком
func (t VersionToken) Sealed() bool { return t.seal != "" }

// Equal сравнивает версии без учета подписи
func (t VersionToken) Equal(o VersionToken) bool {
	return t.kind == o.kind && t.raw == o.raw
}

// DriverValue возвращает значение для привязки параметра
func (t VersionToken) DriverValue() any {
	switch t.kind {
	case TokenCounter:
		return int64(binary.BigEndian.Uint64([]byte(t.raw)))
	case TokenBytes:
		return []byte(t.raw)
	case TokenTimestamp:
		b := []byte(t.raw)
		return time.Unix(int64(binary.BigEndian.Uint64(b[:8])), int64(binary.BigEndian.Uint32(b[8:]))).UTC()
	default:
		return nil
	}
}

// Next - следующая версия для счетчика, который ведет приложение
func (t VersionToken) Next() (VersionToken, bool) {
	if t.kind != TokenCounter {
		return VersionToken{}, false
	}
	v := int64(binary.BigEndian.Uint64([]byte(t.raw)))
	return CounterToken(v + 1), true
}

// Unsealed возвращает копию без подписи
func (t VersionToken) Unsealed() VersionToken {
	t.seal = ""
	return t
}

// String - сериализованная форма для передачи клиенту (например, ETag)
func (t VersionToken) String() string {
	if t.kind == TokenNone {
		return ""
	}
	buf := make([]byte, 0, 2+len(t.raw)+len(t.seal))
	buf = append(buf, byte(t.kind), byte(len(t.raw)))
	buf = append(buf, t.raw...)
	buf = append(buf, t.seal...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (t VersionToken) describe() string {
	if t.kind == TokenNone {
		return "<none>"
	}
	return t.kind.String() + ":" + hex.EncodeToString([]byte(t.raw))
}

// ParseVersionToken восстанавливает токен из String.
// Подпись проверяется позже, при записи.
func ParseVersionToken(s string) (VersionToken, error) {
	if s == "" {
		return VersionToken{}, nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return VersionToken{}, fmt.Errorf("%w: %v", ErrInvalidVersionToken, err)
	}
	if len(buf) < 2 {
		return VersionToken{}, fmt.Errorf("%w: too short", ErrInvalidVersionToken)
	}
	kind, n := TokenKind(buf[0]), int(buf[1])
	if kind < TokenCounter || kind > TokenTimestamp || len(buf) < 2+n {
		return VersionToken{}, fmt.Errorf("%w: malformed", ErrInvalidVersionToken)
	}
	raw := buf[2 : 2+n]
	switch {
	case kind == TokenCounter && n != 8, kind == TokenTimestamp && n != 12:
		return VersionToken{}, fmt.Errorf("%w: bad %s length", ErrInvalidVersionToken, kind)
	}
	return VersionToken{kind: kind, raw: string(raw), seal: string(buf[2+n:])}, nil
}

// TokenSealer подписывает токены HMAC-SHA256 над (слой, id, версия)
type TokenSealer struct {
	key []byte
}

// NewTokenSealer создает подписчика. Пустой ключ заменяется случайным:
// такие токены действительны только в пределах процесса.
func NewTokenSealer(key []byte) *TokenSealer {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("feature: generate token key: %v", err))
		}
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &TokenSealer{key: k}
}

// Seal подписывает токен для сущности
func (s *TokenSealer) Seal(layer string, id any, t VersionToken) VersionToken {
	if t.kind == TokenNone {
		return t
	}
	t.seal = string(s.mac(layer, id, t))
	return t
}

// Verify проверяет, что токен выдан этим движком для этой сущности
func (s *TokenSealer) Verify(layer string, id any, t VersionToken) error {
	if t.seal == "" {
		return &InvalidVersionTokenError{EntityType: layer, EntityID: id, Reason: "token is not sealed"}
	}
	if !hmac.Equal([]byte(t.seal), s.mac(layer, id, t)) {
		return &InvalidVersionTokenError{EntityType: layer, EntityID: id, Reason: "seal mismatch"}
	}
	return nil
}

func (s *TokenSealer) mac(layer string, id any, t VersionToken) []byte {
	h := hmac.New(sha256.New, s.key)
	fmt.Fprintf(h, "%s\x00%v\x00%d\x00", layer, id, t.kind)
	h.Write([]byte(t.raw))
	return h.Sum(nil)[:16]
}
