package main

import "time"

// Setting is one key/value row of the settings table. Settings are seeded on
// first boot and only ever overwritten, never deleted.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Wraith is a registered agent. Records are created on handshake, kept alive
// by heartbeats and swept once the mark-offline delay elapses.
type Wraith struct {
	AssignedID       string    `gorm:"primaryKey"`
	Fingerprint      string    `gorm:"index"`
	HostProperties   string    `gorm:"type:text"`
	WraithProperties string    `gorm:"type:text"`
	LastHeartbeat    time.Time `gorm:"index"`
	CreatedAt        time.Time
}

// Session is an authenticated manager console session. The token doubles as
// the second-layer encryption key for all of the session's traffic.
type Session struct {
	SessionID     string    `gorm:"primaryKey"`
	Username      string    `gorm:"index"`
	CreatorIP     string
	SessionToken  string    `gorm:"uniqueIndex"`
	LastHeartbeat time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// User is a manager account. Privileges are ordered: 0 user, 1 admin,
// 2 super-admin.
type User struct {
	UserName     string `gorm:"primaryKey"`
	PasswordHash string
	Privileges   int
	FailedLogins int
	LockoutStart *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Command is a queued work item addressed to one or more Wraiths. Targets is
// a JSON array of assigned IDs; Responses maps assigned ID to result. The row
// is deleted once every target has responded.
type Command struct {
	CommandID string `gorm:"primaryKey"`
	Name      string
	Params    string `gorm:"type:text"`
	Targets   string `gorm:"type:text"`
	Responses string `gorm:"type:text"`
	IssuedAt  time.Time
}

// Privilege levels for User.Privileges.
const (
	PrivilegeUser = iota
	PrivilegeAdmin
	PrivilegeSuperAdmin
)
