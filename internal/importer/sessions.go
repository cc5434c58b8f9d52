package importer

import (
	"sync"
	"time"

	"github.com/chessmirror/chessmirror/internal/models"
)

// stuckWindow is how long a session may go without progress before
// observers see it reported as stuck.
const stuckWindow = 30 * time.Second

type sessionKey struct {
	userID   string
	platform models.Platform
}

// SessionRegistry tracks active import sessions in memory. Sessions are
// ephemeral: at most one active per (user, platform); finished sessions
// stay visible until the next import replaces them.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*models.ImportSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[sessionKey]*models.ImportSession)}
}

// Begin registers a new session for the tenant. Returns
// import_in_progress when one is already active.
func (r *SessionRegistry) Begin(userID string, platform models.Platform) (*models.ImportSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{userID: userID, platform: platform}
	if existing, ok := r.sessions[key]; ok {
		if existing.Phase != models.PhaseDone && existing.Phase != models.PhaseError {
			return nil, models.Taggedf(models.TagImportInProgress,
				"an import is already running for %s on %s", userID, platform)
		}
	}

	now := time.Now().UTC()
	session := &models.ImportSession{
		UserID:         userID,
		Platform:       platform,
		Phase:          models.PhaseProbeNew,
		StartedAt:      now,
		LastProgressAt: now,
	}
	r.sessions[key] = session
	return session, nil
}

// Update applies a mutation to the tenant's session under the registry
// lock and stamps progress time.
func (r *SessionRegistry) Update(userID string, platform models.Platform, fn func(*models.ImportSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[sessionKey{userID: userID, platform: platform}]; ok {
		fn(session)
		session.LastProgressAt = time.Now().UTC()
	}
}

// Snapshot returns a copy of the tenant's session, flagging stalls in
// the status message. Nil when no session exists.
func (r *SessionRegistry) Snapshot(userID string, platform models.Platform) *models.ImportSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionKey{userID: userID, platform: platform}]
	if !ok {
		return nil
	}
	snapshot := *session
	if snapshot.Stuck(stuckWindow, time.Now().UTC()) {
		snapshot.StatusMessage = "stuck: no progress for 30s"
	}
	return &snapshot
}
