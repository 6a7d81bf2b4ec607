package referrals

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const opStoreNew = "referrals.store.new"

// StoreConfig describes the persistence dependencies shared by the registry and the ledger.
type StoreConfig struct {
	Database    *gorm.DB
	Generator   CodeGenerator
	CodeLength  int
	MaxAttempts int
	Clock       func() time.Time
	IDProvider  IDProvider
	Recorder    Recorder
}

// Store scopes a CodeRegistry and a ReferralLedger to one database handle.
type Store struct {
	db       *gorm.DB
	codes    *CodeRegistry
	ledger   *ReferralLedger
	recorder Recorder
}

// NewStore validates cfg and applies defaults for the optional collaborators.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", ErrInvalidInput, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", ErrInvalidInput, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generator := cfg.Generator
	if generator == nil {
		generator = NewRandomCodeGenerator()
	}
	codeLength := cfg.CodeLength
	if codeLength <= 0 {
		codeLength = DefaultCodeLength
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Store{
		db: cfg.Database,
		codes: &CodeRegistry{
			db:          cfg.Database,
			generator:   generator,
			codeLength:  codeLength,
			maxAttempts: maxAttempts,
			clock:       clock,
			recorder:    recorder,
		},
		ledger: &ReferralLedger{
			db:         cfg.Database,
			clock:      clock,
			idProvider: cfg.IDProvider,
		},
		recorder: recorder,
	}, nil
}

// Codes returns the registry bound to the store's connection.
func (s *Store) Codes() *CodeRegistry {
	return s.codes
}

// Ledger returns the ledger bound to the store's connection.
func (s *Store) Ledger() *ReferralLedger {
	return s.ledger
}

// Atomically runs fn inside one database transaction. Returning an error rolls back every write made
// through the registry and ledger passed to fn.
func (s *Store) Atomically(ctx context.Context, fn func(codes *CodeRegistry, ledger *ReferralLedger) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.codes.bind(tx), s.ledger.bind(tx))
	})
}
