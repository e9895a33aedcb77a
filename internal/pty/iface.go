package pty

// SessionHandle represents a handle to a running PTY session.
type SessionHandle interface {
	Snapshot() string
	Subscribe() (<-chan []byte, func())
	Write(data []byte) (int, error)
	Done() <-chan struct{}
}

// SessionManager manages PTY session lifecycles. An empty id addresses the
// most recently created session.
type SessionManager interface {
	Create(cols, rows uint16) (Info, error)
	Write(id string, data []byte) error
	Read(id string) (string, error)
	Resize(id string, cols, rows uint16) error
	Destroy(id string) error
	Get(id string) SessionHandle
	List() []Info
	CloseAll()
}

var (
	_ SessionManager = (*Manager)(nil)
	_ SessionHandle  = (*Session)(nil)
)
