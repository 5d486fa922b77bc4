package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// DLQEntry - операция, которую не удалось выполнить (например, доставка
// записи аудита во внешний приемник)
type DLQEntry struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error"`
	FailureType string          `json:"failure_type"` // mirror_failed, max_attempts_exceeded
	Data        json.RawMessage `json:"data,omitempty"`
}

// DLQConfig содержит конфигурацию Dead Letter Queue
type DLQConfig struct {
	// FilePath - JSON-файл очереди; пустой путь - очередь только в памяти
	FilePath string `yaml:"path"`

	// MaxSize - максимальный размер (в записях), старые записи вытесняются
	MaxSize int `yaml:"max_size"`

	// RetentionPeriod - срок хранения записей для CleanupOld
	RetentionPeriod time.Duration `yaml:"retention"`
}

// DLQ - Dead Letter Queue
type DLQ struct {
	mu      sync.RWMutex
	config  DLQConfig
	entries []DLQEntry
	counter int
}

// NewDLQ создает очередь и загружает сохраненные записи
func NewDLQ(config DLQConfig) (*DLQ, error) {
	d := &DLQ{config: config}
	if config.FilePath == "" {
		return d, nil
	}
	if err := d.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}
	return d, nil
}

// Add добавляет запись; data сериализуется в JSON
func (d *DLQ) Add(failureType string, attempts int, cause error, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ data: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.counter++
	now := time.Now().UTC()
	entry := DLQEntry{
		ID:          fmt.Sprintf("dlq-%d-%d", now.UnixNano(), d.counter),
		Timestamp:   now,
		Attempts:    attempts,
		FailureType: failureType,
		Data:        raw,
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	d.entries = append(d.entries, entry)

	if d.config.MaxSize > 0 && len(d.entries) > d.config.MaxSize {
		d.entries = d.entries[len(d.entries)-d.config.MaxSize:]
	}
	return d.saveUnsafe()
}

// Get возвращает копию всех записей
func (d *DLQ) Get() []DLQEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]DLQEntry, len(d.entries))
	copy(result, d.entries)
	return result
}

// Remove удаляет запись по ID
func (d *DLQ) Remove(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, entry := range d.entries {
		if entry.ID == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return true, d.saveUnsafe()
		}
	}
	return false, nil
}

// CleanupOld удаляет записи старше RetentionPeriod
func (d *DLQ) CleanupOld() (int, error) {
	if d.config.RetentionPeriod == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.config.RetentionPeriod)
	kept := d.entries[:0]
	for _, entry := range d.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(d.entries) - len(kept)
	d.entries = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, d.saveUnsafe()
}

// Size возвращает количество записей
func (d *DLQ) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Save сохраняет очередь в файл
func (d *DLQ) Save() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.saveUnsafe()
}

func (d *DLQ) saveUnsafe() error {
	if d.config.FilePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ: %w", err)
	}
	tmp := d.config.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write DLQ file: %w", err)
	}
	return os.Rename(tmp, d.config.FilePath)
}

// Load загружает очередь из файла
func (d *DLQ) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.config.FilePath)
	if err != nil {
		return err
	}
	var entries []DLQEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to unmarshal DLQ: %w", err)
	}
	d.entries = entries
	return nil
}
