package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-invites/internal/storage"
)

// jsonRecords stores JSON values of type T under a key prefix.
type jsonRecords[T any] struct {
	db     storage.DB
	prefix string
}

func (r jsonRecords[T]) key(id string) []byte {
	return []byte(r.prefix + id)
}

func (r jsonRecords[T]) get(id string) (*T, error) {
	data, err := r.db.Get(r.key(id))
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s%s: %w", r.prefix, id, err)
	}
	return &v, nil
}

func (r jsonRecords[T]) put(id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s%s: %w", r.prefix, id, err)
	}
	return r.db.Put(r.key(id), data)
}

func (r jsonRecords[T]) has(id string) (bool, error) {
	return r.db.Has(r.key(id))
}

func (r jsonRecords[T]) delete(id string) error {
	return r.db.Delete(r.key(id))
}

// each visits every decodable record. Corrupt values are skipped.
func (r jsonRecords[T]) each(fn func(*T) error) error {
	return r.db.ForEach([]byte(r.prefix), func(_, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return nil
		}
		return fn(&v)
	})
}

func (r jsonRecords[T]) count() (int, error) {
	n := 0
	err := r.db.ForEach([]byte(r.prefix), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// prune deletes every record for which drop reports true, and every
// record that no longer decodes.
func (r jsonRecords[T]) prune(drop func(*T) bool) (int, error) {
	var doomed [][]byte
	err := r.db.ForEach([]byte(r.prefix), func(key, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil || drop(&v) {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate %s: %w", r.prefix, err)
	}
	for _, k := range doomed {
		if err := r.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(doomed), nil
}
