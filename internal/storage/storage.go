// storage задаёт контракт персистентного key/value хранилища сессии.
// Логики нет: ключи и атомарность записи, плюс опциональная лента изменений
// (сигнал для синхронизации между процессами, аналог storage-событий вкладок).
package storage

import (
	"context"
	"errors"
)

// Ключи сессии в хранилище.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Keys - все ключи сессии.
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyUser}

var (
	// ErrCorrupted - содержимое хранилища не читается (битый файл/формат).
	ErrCorrupted = errors.New("storage corrupted")
	// ErrClosed - хранилище закрыто.
	ErrClosed = errors.New("storage closed")
)

// Change - изменение одного ключа.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Backend - хранилище строковых значений по ключам.
type Backend interface {
	// Get возвращает значение и признак его наличия.
	Get(ctx context.Context, key string) (string, bool, error)
	// GetMany читает ключи из одного снимка; отсутствующих ключей в результате нет.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	// SetMany атомарно записывает все пары.
	SetMany(ctx context.Context, kv map[string]string) error
	// CompareAndSetMany атомарно записывает kv, только если значение key равно
	// expected (отсутствующий ключ равен ""). false - значение не совпало.
	CompareAndSetMany(ctx context.Context, key, expected string, kv map[string]string) (bool, error)
	// Delete атомарно удаляет ключи; отсутствующие ключи игнорируются.
	Delete(ctx context.Context, keys ...string) error
	// Close освобождает ресурсы.
	Close() error
}

// Watcher - хранилище, умеющее сообщать об изменениях ключей.
// Канал закрывается по отмене ctx или при закрытии хранилища.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// IsSessionKey сообщает, относится ли ключ к сессии.
func IsSessionKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}

	return false
}
