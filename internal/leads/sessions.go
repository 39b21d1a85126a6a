package leads

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// SessionRepo persists session lifecycle records.
type SessionRepo interface {
	AddSessionRecord(r models.SessionRecord) error
}

// SessionLog is a voice.Recorder that stores one record per finished session.
type SessionLog struct {
	repo SessionRepo
	now  func() time.Time
}

var _ voice.Recorder = (*SessionLog)(nil)

// NewSessionLog creates a recorder writing to repo.
func NewSessionLog(repo SessionRepo) *SessionLog {
	return &SessionLog{repo: repo, now: time.Now}
}

func (l *SessionLog) SessionStarted(info voice.SessionInfo)   {}
func (l *SessionLog) SessionConnected(info voice.SessionInfo) {}

func (l *SessionLog) SessionEnded(info voice.SessionInfo, outcome models.SessionOutcome, err error) {
	rec := info.Record(outcome, err, l.now().UTC())
	if err := l.repo.AddSessionRecord(rec); err != nil {
		slog.Error("SessionLog.SessionEnded: store failed", "session_id", info.SessionID, "error", err)
	}
}
