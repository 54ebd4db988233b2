package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

const defaultProbeTimeout = 5 * time.Second

// Manager caches one live connection handle per profile identity. Handles are
// opened lazily on first Acquire, probed before use, and dropped on
// Invalidate so the next Acquire reopens them. A handle invalidated while
// callers still hold it is retired instead of closed; the last Release closes
// it.
type Manager struct {
	mu           sync.Mutex
	conns        map[Identity]*managedConn
	retired      map[Identity][]*managedConn
	logger       *slog.Logger
	probeTimeout time.Duration
	onInvalidate func(Identity)
}

type managedConn struct {
	db      *sql.DB
	profile ConnectionProfile
	refs    int
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:        make(map[Identity]*managedConn),
		retired:      make(map[Identity][]*managedConn),
		logger:       logger,
		probeTimeout: defaultProbeTimeout,
	}
}

// SetInvalidateHook registers a callback fired whenever a connection is
// dropped, so dependent caches (the schema snapshot) fall with it.
func (m *Manager) SetInvalidateHook(fn func(Identity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInvalidate = fn
}

// Acquire returns the live handle for the profile, opening one if none
// exists. Opening runs a connectivity probe so failures surface here, before
// any introspection is attempted.
func (m *Manager) Acquire(ctx context.Context, profile ConnectionProfile) (*sql.DB, error) {
	identity := profile.Identity()

	m.mu.Lock()
	if mc, ok := m.conns[identity]; ok {
		mc.refs++
		m.mu.Unlock()
		return mc.db, nil
	}
	m.mu.Unlock()

	adapter, err := AdapterFor(profile.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := adapter.Open(profile)
	if err != nil {
		return nil, err
	}

	// One open connection per profile: the pool serializes concurrent
	// executions against the same identity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		_ = db.Close()
		return nil, classifyProbeError(profile.Dialect, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[identity]; ok {
		// Another worker won the race; keep its handle.
		_ = db.Close()
		existing.refs++
		return existing.db, nil
	}
	m.conns[identity] = &managedConn{db: db, profile: profile, refs: 1}
	m.logger.Debug("opened database connection", slog.String("identity", identity.String()))
	return db, nil
}

// Release returns a handle obtained from Acquire. When the handle was
// invalidated in the meantime, the last Release closes it.
func (m *Manager) Release(profile ConnectionProfile) {
	identity := profile.Identity()

	m.mu.Lock()
	var toClose *sql.DB
	// A caller that acquired before an invalidation holds a retired handle;
	// those drain first.
	if list := m.retired[identity]; len(list) > 0 {
		mc := list[0]
		mc.refs--
		if mc.refs <= 0 {
			m.retired[identity] = list[1:]
			if len(m.retired[identity]) == 0 {
				delete(m.retired, identity)
			}
			toClose = mc.db
		}
	} else if mc, ok := m.conns[identity]; ok && mc.refs > 0 {
		mc.refs--
	}
	m.mu.Unlock()

	if toClose != nil {
		m.closeConn(identity, toClose)
	}
}

// Invalidate drops the connection for the identity. With no holders it closes
// immediately; otherwise the handle is retired and the last Release closes
// it. Safe to call for identities that were never opened.
func (m *Manager) Invalidate(identity Identity) {
	m.mu.Lock()
	mc, ok := m.conns[identity]
	var toClose *sql.DB
	if ok {
		delete(m.conns, identity)
		if mc.refs > 0 {
			m.retired[identity] = append(m.retired[identity], mc)
		} else {
			toClose = mc.db
		}
	}
	hook := m.onInvalidate
	m.mu.Unlock()

	if toClose != nil {
		m.closeConn(identity, toClose)
	}
	if ok {
		m.logger.Info("invalidated database connection", slog.String("identity", identity.String()))
	}
	if hook != nil {
		hook(identity)
	}
}

func (m *Manager) closeConn(identity Identity, db *sql.DB) {
	if err := db.Close(); err != nil {
		m.logger.Warn("closing invalidated connection",
			slog.String("identity", identity.String()), slog.Any("error", err))
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll tears down every cached connection, retired handles included,
// collecting all errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := m.conns
	retired := m.retired
	m.conns = make(map[Identity]*managedConn)
	m.retired = make(map[Identity][]*managedConn)
	m.mu.Unlock()

	var errs []error
	for identity, mc := range conns {
		if err := mc.db.Close(); err != nil {
			errs = append(errs, fault.Wrapf(err, fault.KindConnectionFailure,
				"closing connection %s", identity))
		}
	}
	for identity, list := range retired {
		for _, mc := range list {
			if err := mc.db.Close(); err != nil {
				errs = append(errs, fault.Wrapf(err, fault.KindConnectionFailure,
					"closing connection %s", identity))
			}
		}
	}
	return errors.Join(errs...)
}
