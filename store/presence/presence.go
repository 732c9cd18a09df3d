// Package presence tracks per-user online/offline state.
//
// A user's own session is the only writer of its record; any number of
// sessions may subscribe to it. Writers hold a Lease that keeps a heartbeat
// running, and readers treat a record whose heartbeat has gone quiet for
// longer than StaleAfter as offline.
package presence

import (
	"fmt"
	"time"

	"github.com/nexus-im/messenger/store/document"
)

// Collection holds one presence document per user id.
const Collection = "presence"

// Presence is the observable state of one user.
type Presence struct {
	UserID      string
	IsOnline    bool
	LastSeen    time.Time
	HeartbeatAt time.Time
}

func key(userID string) document.Key {
	return document.K(Collection, userID)
}

func fromDocument(userID string, doc document.Document) Presence {
	p := Presence{UserID: userID}
	if !doc.Exists {
		return p
	}
	p.IsOnline = doc.Fields.Bool("isOnline")
	if ms := doc.Fields.Int64("lastSeen"); ms > 0 {
		p.LastSeen = time.UnixMilli(ms)
	}
	if ms := doc.Fields.Int64("heartbeatAt"); ms > 0 {
		p.HeartbeatAt = time.UnixMilli(ms)
	}
	return p
}

// Effective applies the staleness rule: an online record whose heartbeat is
// older than staleAfter reads as offline, last seen at that heartbeat.
// Records without a heartbeat and a zero staleAfter are returned unchanged.
func Effective(p Presence, now time.Time, staleAfter time.Duration) Presence {
	if !p.IsOnline || staleAfter <= 0 || p.HeartbeatAt.IsZero() {
		return p
	}
	if now.Sub(p.HeartbeatAt) <= staleAfter {
		return p
	}
	p.IsOnline = false
	if p.HeartbeatAt.After(p.LastSeen) {
		p.LastSeen = p.HeartbeatAt
	}
	return p
}

// StaleIn returns how long an online record keeps reading as online at now.
// It reports false for records that never go stale or already have.
func StaleIn(p Presence, now time.Time, staleAfter time.Duration) (time.Duration, bool) {
	if !p.IsOnline || staleAfter <= 0 || p.HeartbeatAt.IsZero() {
		return 0, false
	}
	d := p.HeartbeatAt.Add(staleAfter).Sub(now) + time.Millisecond
	if d <= time.Millisecond {
		return 0, false
	}
	return d, true
}

// Describe renders the status line shown next to a counterpart.
func Describe(p Presence, now time.Time) string {
	if p.IsOnline {
		return "Online"
	}
	if p.LastSeen.IsZero() {
		return "Offline"
	}
	elapsed := now.Sub(p.LastSeen)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%d min ago", int(elapsed/time.Minute))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%d hr ago", int(elapsed/time.Hour))
	default:
		return fmt.Sprintf("%d day ago", int(elapsed/(24*time.Hour)))
	}
}
