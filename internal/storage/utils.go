package storage

import "github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"

var _ storage.Store = (*PostgresStore)(nil)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}
