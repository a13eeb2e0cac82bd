package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stagegate/internal/audit"
	"stagegate/internal/config"
	"stagegate/internal/repo"
)

// ConfirmationSource answers external-confirmation predicates by name.
type ConfirmationSource interface {
	Confirm(ctx context.Context, predicate string) (bool, error)
}

// StaticConfirmations is a fixed predicate table.
type StaticConfirmations map[string]bool

func (s StaticConfirmations) Confirm(_ context.Context, predicate string) (bool, error) {
	return s[predicate], nil
}

type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Audit         audit.Log
	Config        *config.Config
	Logger        *zap.Logger
	Now           func() time.Time
	Confirmations ConfirmationSource
	// OnAuditFault runs after a failed audit append has been rolled back.
	OnAuditFault func(error)

	changes *notifier
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Log{DB: db},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
		OnAuditFault: func(err error) {
			logger.Fatal("audit log unavailable", zap.Error(err))
		},
		changes: newNotifier(),
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Changes returns a channel closed at the next committed mutation.
func (e Engine) Changes() <-chan struct{} {
	if e.changes == nil {
		return nil
	}
	return e.changes.wait()
}

// withTx runs fn as one critical section. fn must only touch the database through tx.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if e.changes != nil {
		defer e.changes.forget(tx)
	}
	if err := fn(tx); err != nil {
		if errors.Is(err, audit.ErrAppend) {
			_ = tx.Rollback()
			return e.auditFault(err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.changes != nil && e.changes.forget(tx) {
		e.changes.broadcast()
	}
	return nil
}

func (e Engine) auditFault(err error) error {
	e.log().Error("audit append failed; transaction rolled back", zap.Error(err))
	if e.OnAuditFault != nil {
		e.OnAuditFault(err)
	}
	return fmt.Errorf("%w: %w", ErrAuditFault, err)
}

func (e Engine) append(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	seq, err := e.Audit.Append(ctx, tx, entry)
	if err != nil {
		return err
	}
	if e.changes != nil {
		e.changes.touch(tx)
	}
	e.log().Debug("audit", zap.Int64("seq", seq), zap.String("kind", entry.Kind), zap.String("subject_id", entry.SubjectID))
	return nil
}

// notifier wakes listeners after commits that appended to the audit log.
type notifier struct {
	mu    sync.Mutex
	ch    chan struct{}
	dirty map[*sql.Tx]bool
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{}), dirty: map[*sql.Tx]bool{}}
}

func (n *notifier) touch(tx *sql.Tx) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dirty[tx] = true
}

// forget drops tx and reports whether it had appended anything.
func (n *notifier) forget(tx *sql.Tx) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	dirty := n.dirty[tx]
	delete(n.dirty, tx)
	return dirty
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
