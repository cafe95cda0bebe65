package domain

import "time"

// SyncSnapshot is the compact session projection exchanged with the peer
// and with the external state authority.
type SyncSnapshot struct {
	Status           Status `json:"status"`
	CallStartTime    int64  `json:"callStartTime,omitempty"`
	CallDurationSecs uint64 `json:"callDurationSecs"`
	IsVideoEnabled   bool   `json:"isVideoEnabled"`
	IsAudioEnabled   bool   `json:"isAudioEnabled"`
	// Seq orders snapshots from one sender.
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sentAt"`
}

// StartTime returns the snapshot start time, nil when unset.
func (s SyncSnapshot) StartTime() *time.Time {
	return StartTimeFromMillis(s.CallStartTime)
}

// PersistedSnapshot is what the durable store keeps between process restarts.
type PersistedSnapshot struct {
	SyncSnapshot
	RemoteUserID   UserID    `json:"remoteUserId"`
	RemoteUserName string    `json:"remoteUserName,omitempty"`
	IsCaller       bool      `json:"isCaller,omitempty"`
	CallHistoryID  string    `json:"callHistoryId,omitempty"`
	SavedAt        time.Time `json:"savedAt"`
}

// Age reports how old the snapshot is relative to now.
func (p PersistedSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(p.SavedAt)
}
