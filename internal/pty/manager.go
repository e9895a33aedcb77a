package pty

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultCapacity keeps a single interactive session alive at a time.
const DefaultCapacity = 1

// ManagerOptions configures a Manager and the sessions it starts.
type ManagerOptions struct {
	// Capacity caps live sessions; creating one more evicts the oldest.
	Capacity  int
	Shell     string
	Env       []string
	Dir       string
	Buffer    BufferLimits
	ChunkSize int
	KillGrace time.Duration
	Logger    *log.Logger
}

// Manager is the session registry. It starts out empty; CloseAll tears it
// down. The zero value is not usable, use NewManager.
type Manager struct {
	opts   ManagerOptions
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // creation order, oldest first
}

// NewManager creates an empty registry.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("pty")
	}
	opts.Logger = logger
	return &Manager{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session. When the registry is at capacity the oldest
// sessions are dropped and closed. A failed start leaves the registry as it
// was.
func (m *Manager) Create(cols, rows uint16) (Info, error) {
	sess, err := Start(StartOptions{
		Cols:      cols,
		Rows:      rows,
		Shell:     m.opts.Shell,
		Env:       m.opts.Env,
		Dir:       m.opts.Dir,
		Buffer:    m.opts.Buffer,
		ChunkSize: m.opts.ChunkSize,
		KillGrace: m.opts.KillGrace,
		Logger:    m.logger,
	})
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	var evicted []*Session
	for len(m.order) >= m.opts.Capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		evicted = append(evicted, m.sessions[oldest])
		delete(m.sessions, oldest)
	}
	m.sessions[sess.ID] = sess
	m.order = append(m.order, sess.ID)
	m.mu.Unlock()

	for _, old := range evicted {
		m.logger.Info("replacing session", "old", old.ID, "new", sess.ID)
		if err := old.Close(); err != nil {
			m.logger.Warn("close replaced session", "session", old.ID, "err", err)
		}
	}
	return sess.Info(), nil
}

// lookup resolves id, or the newest session when id is empty.
func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		if len(m.order) == 0 {
			return nil, ErrNotInitialized
		}
		id = m.order[len(m.order)-1]
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, id)
	}
	return sess, nil
}

// Write sends data to the session's terminal.
func (m *Manager) Write(id string, data []byte) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	_, err = sess.Write(data)
	return err
}

// Read returns the session's buffered output.
func (m *Manager) Read(id string) (string, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return sess.Snapshot(), nil
}

// Resize changes the session's terminal dimensions.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// Destroy removes and closes the session. Destroying a missing session
// succeeds.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	if id == "" && len(m.order) > 0 {
		id = m.order[len(m.order)-1]
	}
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.order = removeID(m.order, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sess.Close(); err != nil {
		m.logger.Warn("close session", "session", id, "err", err)
	}
	m.logger.Info("session destroyed", "session", id)
	return nil
}

// Get returns the session handle, or nil when it doesn't exist.
func (m *Manager) Get(id string) SessionHandle {
	sess, err := m.lookup(id)
	if err != nil {
		return nil
	}
	return sess
}

// List describes live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// CloseAll empties the registry and waits, bounded by the kill grace
// period, for every shell to exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			m.logger.Warn("close session", "session", sess.ID, "err", err)
		}
	}

	deadline := time.After(m.opts.KillGrace + time.Second)
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-deadline:
			m.logger.Warn("shells still running after teardown", "count", len(sessions))
			return
		}
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
