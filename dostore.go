package edgeserve

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// memoryObjectStore keeps durable-object state in process memory. It is the
// default: state survives reloads but not a host restart.
type memoryObjectStore struct {
	mu   sync.RWMutex
	data map[string]string // namespace \x00 objectID \x00 key
}

// NewMemoryObjectStore builds an in-memory DurableObjectStore.
func NewMemoryObjectStore() DurableObjectStore {
	return &memoryObjectStore{data: make(map[string]string)}
}

func storeKey(namespace, objectID, key string) string {
	return namespace + "\x00" + objectID + "\x00" + key
}

func (m *memoryObjectStore) Get(namespace, objectID, key string) (*string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[storeKey(namespace, objectID, key)]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *memoryObjectStore) Put(namespace, objectID, key, value string) error {
	m.mu.Lock()
	m.data[storeKey(namespace, objectID, key)] = value
	m.mu.Unlock()
	return nil
}

func (m *memoryObjectStore) Delete(namespace, objectID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storeKey(namespace, objectID, key)
	_, ok := m.data[k]
	delete(m.data, k)
	return ok, nil
}

func (m *memoryObjectStore) List(namespace, objectID, prefix string, limit int) ([]KVPair, error) {
	scope := namespace + "\x00" + objectID + "\x00"
	m.mu.RLock()
	var pairs []KVPair
	for k, v := range m.data {
		if !strings.HasPrefix(k, scope) {
			continue
		}
		key := k[len(scope):]
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		pairs = append(pairs, KVPair{Key: key, Value: v})
	}
	m.mu.RUnlock()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs, nil
}

func (m *memoryObjectStore) DeleteAll(namespace, objectID string) error {
	scope := namespace + "\x00" + objectID + "\x00"
	m.mu.Lock()
	for k := range m.data {
		if strings.HasPrefix(k, scope) {
			delete(m.data, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// objectRecord is one durable-object key/value row.
type objectRecord struct {
	Namespace string `gorm:"primaryKey;column:namespace"`
	ObjectID  string `gorm:"primaryKey;column:object_id"`
	Key       string `gorm:"primaryKey;column:key"`
	Value     string `gorm:"column:value"`
}

func (objectRecord) TableName() string { return "object_state" }

// sqliteObjectStore persists durable-object state to a local SQLite file so
// it survives host restarts.
type sqliteObjectStore struct {
	db *gorm.DB
}

// NewSQLiteObjectStore opens (or creates) the database at path and migrates
// the state table.
func NewSQLiteObjectStore(path string) (DurableObjectStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open object store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&objectRecord{}); err != nil {
		return nil, fmt.Errorf("migrate object store: %w", err)
	}
	return &sqliteObjectStore{db: db}, nil
}

func (s *sqliteObjectStore) Get(namespace, objectID, key string) (*string, error) {
	var rec objectRecord
	err := s.db.Where("namespace = ? AND object_id = ? AND key = ?", namespace, objectID, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec.Value, nil
}

func (s *sqliteObjectStore) Put(namespace, objectID, key, value string) error {
	rec := objectRecord{Namespace: namespace, ObjectID: objectID, Key: key, Value: value}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "object_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&rec).Error
}

func (s *sqliteObjectStore) Delete(namespace, objectID, key string) (bool, error) {
	res := s.db.Where("namespace = ? AND object_id = ? AND key = ?", namespace, objectID, key).
		Delete(&objectRecord{})
	return res.RowsAffected > 0, res.Error
}

func (s *sqliteObjectStore) List(namespace, objectID, prefix string, limit int) ([]KVPair, error) {
	q := s.db.Model(&objectRecord{}).
		Where("namespace = ? AND object_id = ?", namespace, objectID).
		Order("key")
	if prefix != "" {
		q = q.Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []objectRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	pairs := make([]KVPair, 0, len(recs))
	for _, r := range recs {
		pairs = append(pairs, KVPair{Key: r.Key, Value: r.Value})
	}
	return pairs, nil
}

func (s *sqliteObjectStore) DeleteAll(namespace, objectID string) error {
	return s.db.Where("namespace = ? AND object_id = ?", namespace, objectID).
		Delete(&objectRecord{}).Error
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
