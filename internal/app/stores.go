package app

import (
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

// Store is the union of every storage interface the application's services
// need. Both storage/memory.Store and storage/postgres.Store satisfy it in
// full, so either can be handed to New as-is.
type Store interface {
	storage.TemplateStore
	storage.CredentialStore
	storage.SessionStore
	storage.ScheduleStore
	storage.RunStore
	storage.JobStore
}

// defaultStore returns store, or a fresh in-memory Store when store is nil
// — the same "nil store defaults to memory" convenience the teacher's
// Stores.applyDefaults provides.
func defaultStore(store Store) Store {
	if store != nil {
		return store
	}
	return memory.New()
}
