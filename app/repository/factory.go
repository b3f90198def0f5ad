package repository

import (
	"sync"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
)

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db            *gorm.DB
	remote        *supabase.Client
	ledgerBackend string
	repos         *Repositories
	once          sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB, remote *supabase.Client, ledgerBackend string) *Factory {
	return &Factory{
		db:            db,
		remote:        remote,
		ledgerBackend: ledgerBackend,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db, f.remote, f.ledgerBackend)
	})
	return f.repos
}

// Global factory instance
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB, remote *supabase.Client, ledgerBackend string) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db, remote, ledgerBackend)
	})
}

// GetGlobalFactory returns the global repository factory instance
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// GetGlobalRepositories returns the global repositories instance
func GetGlobalRepositories() *Repositories {
	return GetGlobalFactory().GetRepositories()
}
