// Package engine keeps a locally edited table document consistent with its
// shared remote copy: debounced saves of local mutations, deferral of remote
// snapshots while the user is mid-keystroke, and a reconciler that merges
// remote truth without clobbering in-progress input.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
)

var (
	errMissingSaver      = errors.New("engine: saver is required")
	errMissingLoader     = errors.New("engine: loader is required")
	errMissingIDProvider = errors.New("engine: id provider is required")
	errMissingSchema     = errors.New("engine: schema is required")
	errMissingIdentity   = errors.New("engine: document identity is required")
)

// SaveOutcome reports the result of one persistence attempt.
type SaveOutcome struct {
	// AssignedServerIDs maps client temp ids to the server ids the backend
	// assigned for rows persisted for the first time.
	AssignedServerIDs map[string]string
	// FailureMessage carries a human-readable reason when the save failed.
	FailureMessage string
}

// Saver persists the full document state. Implementations absorb transport
// errors and report plain success or failure; a failed save is never retried
// automatically.
type Saver interface {
	Save(ctx context.Context, identity tablelog.DocumentIdentity, groups []tablelog.Group) (SaveOutcome, bool)
}

// Loader fetches the current remote document state.
type Loader interface {
	Load(ctx context.Context, identity tablelog.DocumentIdentity) ([]tablelog.Group, error)
}

// UpdateSource delivers remote snapshots for a document identity. The
// returned cancel function releases the subscription.
type UpdateSource interface {
	Subscribe(identity tablelog.DocumentIdentity, deliver func(tablelog.Snapshot)) (func(), error)
}

// IDProvider issues client temp ids for locally created rows.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig wires an Engine with its collaborators.
type EngineConfig struct {
	Saver      Saver
	Loader     Loader
	Updates    UpdateSource
	IDProvider IDProvider
	Clock      func() time.Time
	Timings    Timings
	Logger     *zap.Logger
}

// Engine creates documents bound to a shared saver, loader and update source.
type Engine struct {
	saver   Saver
	loader  Loader
	updates UpdateSource
	ids     IDProvider
	clock   func() time.Time
	timings Timings
	logger  *zap.Logger
}

// NewEngine validates the configuration and returns an Engine. Updates may be
// nil, in which case documents receive no push-channel snapshots.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		saver:   cfg.Saver,
		loader:  cfg.Loader,
		updates: cfg.Updates,
		ids:     cfg.IDProvider,
		clock:   clock,
		timings: cfg.Timings.withDefaults(),
		logger:  logger,
	}, nil
}

// DocumentConfig describes one document to open.
type DocumentConfig struct {
	Identity tablelog.DocumentIdentity
	Schema   tablelog.Schema
	// OnSaveFailure is invoked outside the document lock with a displayable
	// message whenever a save attempt fails. Optional.
	OnSaveFailure func(message string)
}

// CreateDocument loads the initial state from the backend, subscribes to the
// push channel and returns a live Document. The caller must invoke Teardown
// when navigating away.
func (engine *Engine) CreateDocument(ctx context.Context, cfg DocumentConfig) (*Document, error) {
	if cfg.Identity.ResourceID() == "" {
		return nil, errMissingIdentity
	}
	if cfg.Schema.Len() == 0 {
		return nil, errMissingSchema
	}

	groups, err := engine.loader.Load(ctx, cfg.Identity)
	if err != nil {
		return nil, err
	}
	tablelog.SortGroups(groups)

	documentCtx, cancel := context.WithCancel(context.Background())
	document := &Document{
		identity:      cfg.Identity,
		schema:        cfg.Schema,
		groups:        groups,
		saver:         engine.saver,
		loader:        engine.loader,
		ids:           engine.ids,
		clock:         engine.clock,
		timings:       engine.timings,
		logger:        engine.logger.With(zap.String("document", cfg.Identity.String())),
		onSaveFailure: cfg.OnSaveFailure,
		ctx:           documentCtx,
		cancel:        cancel,
	}

	if engine.updates != nil {
		unsubscribe, err := engine.updates.Subscribe(cfg.Identity, document.HandleRemote)
		if err != nil {
			cancel()
			return nil, err
		}
		document.unsubscribe = unsubscribe
	}

	return document, nil
}
