package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mnemo-ai/mnemo/cache"
)

// Checkpoint records how far a consolidation pass progressed so an
// interrupted pass can resume without reprocessing records.
type Checkpoint struct {
	// PassID identifies the pass that wrote the checkpoint.
	PassID string `json:"pass_id"`

	// Cursor is the ephemeral scan position reached before interruption.
	Cursor cache.Cursor `json:"cursor"`

	// StartedAt is when the interrupted pass began.
	StartedAt time.Time `json:"started_at"`
}

// Checkpointer persists pass progress between engine restarts.
type Checkpointer interface {
	// Save overwrites the stored checkpoint.
	Save(ctx context.Context, cp Checkpoint) error

	// Load returns the stored checkpoint, or ok=false if none exists.
	Load(ctx context.Context) (cp Checkpoint, ok bool, err error)

	// Clear removes the stored checkpoint. Called when a pass completes.
	Clear(ctx context.Context) error
}

// MemoryCheckpointer keeps the checkpoint in process memory. Progress does
// not survive a restart; the next pass simply starts from the beginning,
// which is safe because every pass step is idempotent.
type MemoryCheckpointer struct {
	mu  sync.Mutex
	cp  Checkpoint
	set bool
}

// NewMemoryCheckpointer creates an empty in-process checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{}
}

func (m *MemoryCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = cp
	m.set = true
	return nil
}

func (m *MemoryCheckpointer) Load(_ context.Context) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp, m.set, nil
}

func (m *MemoryCheckpointer) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = Checkpoint{}
	m.set = false
	return nil
}

// EtcdCheckpointer persists the checkpoint in an etcd cluster so pass
// progress survives process restarts and is shared by replicas.
type EtcdCheckpointer struct {
	client *clientv3.Client
	key    string
}

// EtcdCheckpointerConfig configures the etcd-backed checkpointer.
type EtcdCheckpointerConfig struct {
	// Endpoints lists etcd cluster members.
	Endpoints []string

	// Namespace prefixes the checkpoint key. Defaults to "mnemo".
	Namespace string

	// DialTimeout bounds the initial connection. Defaults to 5s.
	DialTimeout time.Duration
}

// NewEtcdCheckpointer connects to etcd and verifies connectivity.
// The caller must Close the checkpointer when done.
func NewEtcdCheckpointer(cfg EtcdCheckpointerConfig) (*EtcdCheckpointer, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("checkpointer endpoints cannot be empty")
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "mnemo"
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil && err != context.DeadlineExceeded {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return &EtcdCheckpointer{
		client: cli,
		key:    fmt.Sprintf("/%s/consolidation/checkpoint", namespace),
	}, nil
}

func (e *EtcdCheckpointer) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := e.client.Put(ctx, e.key, string(data)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (e *EtcdCheckpointer) Load(ctx context.Context) (Checkpoint, bool, error) {
	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Checkpoint{}, false, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &cp); err != nil {
		// A corrupt checkpoint is discarded; the pass restarts from scratch.
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (e *EtcdCheckpointer) Clear(ctx context.Context) error {
	if _, err := e.client.Delete(ctx, e.key); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// Close releases the etcd connection.
func (e *EtcdCheckpointer) Close() error {
	return e.client.Close()
}
