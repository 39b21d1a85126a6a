package voice

import (
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
)

// SessionInfo identifies a session for lifecycle recorders.
type SessionInfo struct {
	SessionID   string
	ContextKey  string
	Language    string
	StartedAt   time.Time
	ConnectedAt time.Time // zero until connected
}

// Recorder observes session lifecycle transitions. Calls for one Manager are serialized and
// arrive in transition order.
type Recorder interface {
	SessionStarted(info SessionInfo)
	SessionConnected(info SessionInfo)
	SessionEnded(info SessionInfo, outcome models.SessionOutcome, err error)
}

type multiRecorder []Recorder

// Recorders fans lifecycle calls out to every non-nil recorder.
func Recorders(rs ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRecorder) SessionStarted(info SessionInfo) {
	for _, r := range m {
		r.SessionStarted(info)
	}
}

func (m multiRecorder) SessionConnected(info SessionInfo) {
	for _, r := range m {
		r.SessionConnected(info)
	}
}

func (m multiRecorder) SessionEnded(info SessionInfo, outcome models.SessionOutcome, err error) {
	for _, r := range m {
		r.SessionEnded(info, outcome, err)
	}
}

// Record converts the session info into a persistable record.
func (i SessionInfo) Record(outcome models.SessionOutcome, err error, endedAt time.Time) models.SessionRecord {
	rec := models.SessionRecord{
		SessionID:  i.SessionID,
		ContextKey: i.ContextKey,
		Language:   i.Language,
		Outcome:    outcome,
		StartedAt:  i.StartedAt,
		EndedAt:    endedAt,
	}
	if !i.ConnectedAt.IsZero() {
		connectedAt := i.ConnectedAt
		rec.ConnectedAt = &connectedAt
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
