package dialect

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor создает диалект с общими настройками компиляции
type Constructor func(opts Options) Dialect

// Registry - реестр диалектов по имени
type Registry struct {
	registry map[string]Constructor
	mu       sync.RWMutex
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{registry: make(map[string]Constructor)}
}

// Register регистрирует конструктор диалекта
//
// Пример:
//
//	r.Register("postgres", func(opts dialect.Options) dialect.Dialect {
//	    return postgres.New(opts)
//	})
func (r *Registry) Register(name string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[name] = constructor
}

// Unregister удаляет конструктор
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registry, name)
}

// IsRegistered проверяет, зарегистрирован ли диалект
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registry[name]
	return ok
}

// Names возвращает отсортированный список зарегистрированных диалектов
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New создает диалект по имени
func (r *Registry) New(name string, opts Options) (Dialect, error) {
	r.mu.RLock()
	constructor, ok := r.registry[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown dialect: %s (available: %v)", name, r.Names())
	}
	return constructor(opts), nil
}

// ========== Глобальный реестр ==========

var globalRegistry = NewRegistry()

// Register регистрирует диалект в глобальном реестре.
// Обычно вызывается из init() пакета диалекта:
//
//	func init() {
//	    dialect.Register("sqlite", func(opts dialect.Options) dialect.Dialect {
//	        return New(opts)
//	    })
//	}
func Register(name string, constructor Constructor) {
	globalRegistry.Register(name, constructor)
}

// IsRegistered проверяет регистрацию в глобальном реестре
func IsRegistered(name string) bool {
	return globalRegistry.IsRegistered(name)
}

// Names возвращает диалекты глобального реестра
func Names() []string {
	return globalRegistry.Names()
}

// New создает диалект через глобальный реестр
func New(name string, opts Options) (Dialect, error) {
	return globalRegistry.New(name, opts)
}
