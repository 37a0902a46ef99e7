// Package task defines the task-queue row claimed and returned by compute
// managers for atomic records.
package task

import "time"

// Status is a task's position relative to manager claim/return.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
)

// Task is the queue row a manager claims to obtain a unit of atomic work.
// One task exists per atomic record for as long as that record needs
// dispatching; it is deleted (not just marked complete) once the owning
// record leaves waiting/running.
type Task struct {
	ID              int64
	RecordID        int64
	Tag             string
	Priority        int
	RequiredPrograms []string
	Status          Status
	ManagerID       string
	ClaimToken      string
	ClaimedAt       *time.Time
	LastHeartbeat   *time.Time
	AvailableAfter  time.Time // claim backoff / scheduled-retry marker
	CreatedAt       time.Time
}

// Claimed reports whether a manager currently owns this task.
func (t Task) Claimed() bool { return t.Status == StatusRunning && t.ManagerID != "" }

// New constructs a waiting task for a freshly created atomic record.
func New(recordID int64, tag string, priority int, requiredPrograms []string) Task {
	now := time.Now().UTC()
	return Task{
		RecordID:         recordID,
		Tag:              tag,
		Priority:         priority,
		RequiredPrograms: requiredPrograms,
		Status:           StatusWaiting,
		AvailableAfter:   now,
		CreatedAt:        now,
	}
}

// Manager is a registered compute worker identified by its heartbeat key.
// The task queue reaper uses LastSeen plus a configured max-missed window to
// decide a manager is lost and requeue its claimed tasks.
type Manager struct {
	ID           string
	Name         string
	Tags         []string
	Programs     []string
	LastSeen     time.Time
	Active       bool
}

// Lost reports whether the manager has exceeded the heartbeat deadline.
func (m Manager) Lost(now time.Time, maxMissed int, interval time.Duration) bool {
	deadline := m.LastSeen.Add(interval * time.Duration(maxMissed))
	return now.After(deadline)
}
