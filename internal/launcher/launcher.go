// Package launcher creates and stops backup worker containers for
// sessions the detector has classified as failed.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vidmesh/sentinel/internal/config"
	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/metrics"
	"github.com/vidmesh/sentinel/internal/registry"
)

var (
	// ErrRuntimeUnavailable is returned once runtime client construction
	// has failed; only a process restart clears it.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrAlreadyTracked guards against duplicate backups per session.
	ErrAlreadyTracked = errors.New("backup already tracked for session")
	// ErrNotTracked is returned when stopping an unknown backup.
	ErrNotTracked   = errors.New("no backup tracked for session")
	ErrCreateFailed = errors.New("backup container create failed")
	ErrStartFailed  = errors.New("backup container start failed")
	ErrStopFailed   = errors.New("backup container stop failed")
)

const (
	stopGrace = 30 * time.Second

	shmSizeBytes = 2 << 30 // 2 GiB
	memoryBytes  = 4 << 30 // 4 GiB
	cpuCount     = 2
)

// sessionRegistry is the slice of the registry the launcher needs.
type sessionRegistry interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	SetBackupInfo(ctx context.Context, id, containerID, containerName string) error
}

// Backup describes a tracked backup container.
type Backup struct {
	SessionID     string    `json:"session_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	StartChunk    string    `json:"start_chunk"`
	CreatedAt     time.Time `json:"created_at"`
}

// Status is the operator-visible launcher state. It is reportable even
// when the runtime never initialized.
type Status struct {
	Initialized          bool `json:"initialized"`
	InitializationFailed bool `json:"initialization_failed"`
	TrackedBackups       int  `json:"tracked_backups"`
}

// Launcher lazily connects to the container runtime and tracks one
// backup container per failed session.
type Launcher struct {
	cfg       config.BackupConfig
	serviceID string
	registry  sessionRegistry
	now       func() time.Time

	// newClient is swapped by tests; defaults to the Docker SDK client.
	newClient func() (runtimeClient, error)

	initMu  sync.Mutex
	client  runtimeClient
	initErr error

	mu      sync.RWMutex
	tracked map[string]*Backup
}

// New creates a Launcher. The runtime client is not constructed until
// the first operation that needs it.
func New(cfg config.BackupConfig, serviceID string, reg sessionRegistry) *Launcher {
	l := &Launcher{
		cfg:       cfg,
		serviceID: serviceID,
		registry:  reg,
		now:       time.Now,
		tracked:   make(map[string]*Backup),
	}
	l.newClient = func() (runtimeClient, error) {
		return newSDKRuntimeClient(cfg.SocketPath)
	}
	return l
}

// SetClock overrides the wall clock, used by tests.
func (l *Launcher) SetClock(now func() time.Time) {
	l.now = now
}

// Tracked reports whether a backup exists for the session. The detector
// consults this before classifying a session as failed.
func (l *Launcher) Tracked(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tracked[id]
	return ok
}

// Status reports launcher state without touching the runtime.
func (l *Launcher) Status() Status {
	l.initMu.Lock()
	initialized := l.client != nil
	failed := l.initErr != nil
	l.initMu.Unlock()

	l.mu.RLock()
	n := len(l.tracked)
	l.mu.RUnlock()

	return Status{
		Initialized:          initialized,
		InitializationFailed: failed,
		TrackedBackups:       n,
	}
}

// ListBackups returns the tracked backups ordered by session id.
func (l *Launcher) ListBackups() []Backup {
	l.mu.RLock()
	out := make([]Backup, 0, len(l.tracked))
	for _, b := range l.tracked {
		out = append(out, *b)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// StartBackup launches a backup worker that resumes chunk production
// where the session's primary left off.
func (l *Launcher) StartBackup(ctx context.Context, sess *domain.Session) error {
	if l.Tracked(sess.ID) {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, sess.ID)
	}

	client, err := l.runtime(ctx)
	if err != nil {
		return err
	}

	startChunk := domain.NextChunk(sess.LastChunk)
	name := fmt.Sprintf("%s-%s-%d", l.cfg.NamePrefix, sess.ID, l.now().UnixMilli())
	ref := l.imageRef()

	spec := containerSpec{
		Name:    name,
		Image:   ref,
		Env:     l.backupEnv(sess, startChunk),
		Network: l.cfg.Network,
		Labels: map[string]string{
			"session.id":     sess.ID,
			"container.type": "backup-recorder",
			"created.by":     l.serviceID,
			"start.chunk":    startChunk,
		},
		ShmSize:  shmSizeBytes,
		Memory:   memoryBytes,
		CPUCount: cpuCount,
	}

	containerID, err := client.ContainerCreate(ctx, spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	if err := client.ContainerStart(ctx, containerID); err != nil {
		// The container is left in place for inspection; the session
		// stays untracked so the next detector pass can try again.
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if err := l.registry.SetBackupInfo(ctx, sess.ID, containerID, name); err != nil {
		logging.Op().Warn("failed to record backup container on session",
			"session", sess.ID, "container", containerID, "error", err)
	}

	backup := &Backup{
		SessionID:     sess.ID,
		ContainerID:   containerID,
		ContainerName: name,
		StartChunk:    startChunk,
		CreatedAt:     l.now(),
	}
	l.mu.Lock()
	l.tracked[sess.ID] = backup
	n := len(l.tracked)
	l.mu.Unlock()

	metrics.Global().FailoversLaunched.Inc()
	metrics.Global().BackupsTracked.Set(float64(n))
	logging.Op().Info("backup worker launched",
		"session", sess.ID, "container", containerID, "name", name, "start_chunk", startChunk)
	return nil
}

// StopBackup stops and force-removes the tracked backup for a session
// and clears the backup fields on the record.
func (l *Launcher) StopBackup(ctx context.Context, id string) error {
	l.mu.RLock()
	backup, ok := l.tracked[id]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}

	client, err := l.runtime(ctx)
	if err != nil {
		return err
	}

	if err := client.ContainerStop(ctx, backup.ContainerID, stopGrace); err != nil {
		logging.Op().Warn("backup container stop failed, forcing removal",
			"session", id, "container", backup.ContainerID, "error", err)
	}
	if err := client.ContainerRemove(ctx, backup.ContainerID, true); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}

	if err := l.registry.SetBackupInfo(ctx, id, "", ""); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logging.Op().Warn("failed to clear backup container on session",
			"session", id, "error", err)
	}

	l.untrack(id)
	logging.Op().Info("backup worker stopped", "session", id, "container", backup.ContainerID)
	return nil
}

// Cleanup drops tracking entries for sessions that are gone or no
// longer active, stopping their containers best-effort.
func (l *Launcher) Cleanup(ctx context.Context) {
	l.mu.RLock()
	ids := make([]string, 0, len(l.tracked))
	for id := range l.tracked {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		sess, err := l.registry.Get(ctx, id)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			// Session removed; reclaim the container.
		case err != nil:
			logging.Op().Warn("backup reclaim lookup failed", "session", id, "error", err)
			continue
		case sess.IsActive():
			continue
		}

		if err := l.StopBackup(ctx, id); err != nil {
			logging.Op().Warn("backup reclaim stop failed", "session", id, "error", err)
			l.untrack(id)
		}
	}
}

// Close releases the runtime client if it was ever constructed.
func (l *Launcher) Close() error {
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// runtime returns the runtime client, constructing it on first use.
// Construction failure is terminal until process restart.
func (l *Launcher) runtime(ctx context.Context) (runtimeClient, error) {
	l.initMu.Lock()
	defer l.initMu.Unlock()

	if l.client != nil {
		return l.client, nil
	}
	if l.initErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, l.initErr)
	}

	client, err := l.newClient()
	if err == nil {
		err = client.Ping(ctx)
	}
	if err != nil {
		l.initErr = err
		logging.Op().Error("container runtime initialization failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	l.client = client
	logging.Op().Info("container runtime client ready", "socket", l.cfg.SocketPath)
	go l.ensureImage(client)
	return client, nil
}

// ensureImage pulls the backup image if it is not present locally.
// Failures only get logged; the create call will surface them again.
func (l *Launcher) ensureImage(client runtimeClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ref := l.imageRef()
	exists, err := client.ImageExists(ctx, ref)
	if err != nil {
		logging.Op().Warn("backup image inspect failed", "image", ref, "error", err)
		return
	}
	if exists {
		return
	}

	logging.Op().Info("pulling backup image", "image", ref)
	if err := client.ImagePull(ctx, ref); err != nil {
		logging.Op().Warn("backup image pull failed", "image", ref, "error", err)
	}
}

func (l *Launcher) imageRef() string {
	return l.cfg.Image + ":" + l.cfg.Tag
}

func (l *Launcher) untrack(id string) {
	l.mu.Lock()
	delete(l.tracked, id)
	n := len(l.tracked)
	l.mu.Unlock()
	metrics.Global().BackupsTracked.Set(float64(n))
}

// backupEnv composes the environment the backup worker needs to resume
// the session.
func (l *Launcher) backupEnv(sess *domain.Session, startChunk string) []string {
	base := sess.BaseID()
	env := []string{
		"VIDEO_ID=" + base,
		"VIDEO_NAME=" + base,
		"SESSION_ID=" + sess.ID,
		"START_CHUNK=" + startChunk,
		"CLIENT_ID=" + sess.ClientID + "-backup",
		"RECORDING_BASE_URL=" + l.cfg.RecordingBaseURL,
		"CONTROLLER_HOST=" + l.cfg.ControllerHost,
		"CONTROLLER_PORT=" + strconv.Itoa(l.cfg.ControllerPort),
		"APP_SECURITY_USERNAME=" + l.cfg.Username,
		"APP_SECURITY_PASSWORD=" + l.cfg.Password,
		"HEARTBEAT_INTERVAL=" + strconv.Itoa(l.cfg.HeartbeatIntervalS),
		"IS_BACKUP_CONTAINER=true",
		"ORIGINAL_CLIENT_HOST=" + sess.ClientHost,
		"RECORDING_JSON=" + sess.Metadata,
		"RECORDING_PATH=" + sess.RecordingPath,
	}
	return env
}
