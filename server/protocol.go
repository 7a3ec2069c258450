package main

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/wraith-labs/wraith/pkg/envelope"
	"github.com/wraith-labs/wraith/pkg/wire"
)

// APIVersion is reported to managers in fetchInfo and autoconf replies.
const APIVersion = "4.0.0"

// Client-facing error wording. Authentication, session and parse failures are
// deliberately indistinguishable so a caller probing the endpoint cannot tell
// a wrong key from a wrong session from malformed JSON.
const (
	msgMalformed           = "incorrectly formatted request"
	msgUnsupportedProtocol = "unsupported protocol"
	msgInvalidSession      = "invalid session data"
	msgBlocked             = "you have been blocked from accessing this resource"
	msgNoResponse          = "no response generated"
	msgIncorrectCreds      = "incorrect credentials"
	msgAccountLocked       = "too many failed login attempts"
	msgInternal            = "internal error"
	msgNotImplemented      = "request type not implemented in protocol"
)

// requestContext carries everything one protocol request needs. It is built
// per request and discarded at the end; no handler state outlives a request.
type requestContext struct {
	store       *Store
	log         zerolog.Logger
	requester   wire.Class
	requesterIP string
	version     byte
	data        map[string]any
	// session is set for manager requests only.
	session *Session
	now     time.Time

	response map[string]any
}

// fail records an error response.
func (rc *requestContext) fail(message string) {
	rc.response = map[string]any{
		"status":  wire.StatusError,
		"message": message,
	}
}

// protocolHandler is one registered protocol version. Handlers receive fully
// decrypted, shape-checked requests and are the only place side effects
// happen.
type protocolHandler interface {
	Handle(rc *requestContext)
}

// dispatch runs the protocol state machine over one request body and returns
// the raw reply bytes. The reply is encrypted with the resolved key when one
// exists; failures before key resolution produce a bare JSON error object.
func (s *Server) dispatch(tx *Store, body []byte, requesterIP string, logger zerolog.Logger) []byte {
	now := time.Now()

	// Sweep stale state first so no handler ever sees an expired agent or
	// session.
	if err := tx.ExpireWraiths(now); err != nil {
		logger.Error().Err(err).Msg("wraith expiry sweep failed")
		return plainError(msgInternal)
	}
	if err := tx.ExpireSessions(now); err != nil {
		logger.Error().Err(err).Msg("session expiry sweep failed")
		return plainError(msgInternal)
	}

	// Cheap rejection before any decryption work.
	if tx.IPBlocked(requesterIP) {
		logger.Warn().Str("ip", requesterIP).Msg("blocked address rejected")
		return plainError(msgBlocked)
	}

	prefix, err := tx.Setting(settingAPIPrefix)
	if err != nil {
		logger.Error().Err(err).Msg("prefix setting unavailable")
		return plainError(msgInternal)
	}

	hdr, sealed, err := wire.ParseHeader(body, prefix)
	if err != nil {
		return plainError(msgMalformed)
	}

	handler, ok := s.protocols[hdr.Version]
	if !ok {
		return plainError(msgUnsupportedProtocol)
	}

	rc := &requestContext{
		store:       tx,
		log:         logger.With().Str("class", hdr.Class.String()).Str("proto", string(hdr.Version)).Logger(),
		requester:   hdr.Class,
		requesterIP: requesterIP,
		version:     hdr.Version,
		now:         now,
	}

	var replyKey string
	switch hdr.Class {
	case wire.ClassWraith:
		replyKey, err = s.decodeWraithRequest(rc, tx, sealed)
	case wire.ClassManager:
		replyKey, err = s.decodeManagerRequest(rc, tx, sealed)
	}
	if err != nil {
		return plainError(err.Error())
	}

	handler.Handle(rc)

	// A handler must never silently terminate the exchange.
	if rc.response == nil {
		rc.fail(msgNoResponse)
	}

	return s.sealReply(rc.response, prefix, replyKey, logger)
}

// decodeWraithRequest resolves the agent key by trial decryption: the current
// switch key first, then the immutable bootstrap key. The key that succeeds
// is also the reply key, so an agent still on the bootstrap key receives a
// bootstrap-keyed reply carrying the switch key.
func (s *Server) decodeWraithRequest(rc *requestContext, tx *Store, sealed []byte) (string, error) {
	switchKey, err := tx.Setting(settingSwitchCryptKey)
	if err != nil {
		return "", protoErr(msgInternal)
	}
	initialKey, err := tx.Setting(settingInitialCryptKey)
	if err != nil {
		return "", protoErr(msgInternal)
	}

	data, winner, ok := trialDecrypt(s.crypto, sealed, []string{switchKey, initialKey})
	if !ok {
		return "", protoErr(msgMalformed)
	}
	if !hasKeys(data, "reqType") {
		return "", protoErr(msgMalformed)
	}
	rc.data = data
	return winner, nil
}

// decodeManagerRequest peels the two-layer manager envelope: the outer layer
// under the shared first-layer key yields [sessionID, innerEnvelope]; the
// inner layer under that session's token yields the request, which must echo
// the token to rule out key confusion across layers.
func (s *Server) decodeManagerRequest(rc *requestContext, tx *Store, sealed []byte) (string, error) {
	firstLayerKey, err := tx.Setting(settingFirstLayerKey)
	if err != nil {
		return "", protoErr(msgInternal)
	}

	outerPlain, err := s.crypto.Decrypt(sealed, firstLayerKey)
	if err != nil {
		return "", protoErr(msgMalformed)
	}
	var outer []string
	if err := json.Unmarshal(outerPlain, &outer); err != nil || len(outer) != 2 {
		return "", protoErr(msgMalformed)
	}

	sess, err := tx.GetSession(outer[0])
	if err != nil {
		return "", protoErr(msgInvalidSession)
	}

	innerPlain, err := s.crypto.Decrypt([]byte(outer[1]), sess.SessionToken)
	if err != nil {
		return "", protoErr(msgInvalidSession)
	}
	var data map[string]any
	if err := json.Unmarshal(innerPlain, &data); err != nil {
		return "", protoErr(msgInvalidSession)
	}
	if !hasKeys(data, "reqType", "sessionToken") {
		return "", protoErr(msgMalformed)
	}
	if token, _ := data["sessionToken"].(string); token != sess.SessionToken {
		return "", protoErr(msgInvalidSession)
	}

	rc.data = data
	rc.session = sess
	return sess.SessionToken, nil
}

// trialDecrypt tries the candidate keys in order and returns the decoded
// request and the key that produced it. A candidate fails on MAC mismatch or
// when the plaintext is not a JSON object.
func trialDecrypt(crypto *envelope.Crypto, sealed []byte, candidates []string) (map[string]any, string, bool) {
	for _, key := range candidates {
		if key == "" {
			continue
		}
		plain, err := crypto.Decrypt(sealed, key)
		if err != nil {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(plain, &decoded); err != nil {
			continue
		}
		return decoded, key, true
	}
	return nil, "", false
}

// sealReply renders the reply: prefix + envelope when a key was resolved,
// bare JSON otherwise.
func (s *Server) sealReply(response map[string]any, prefix, replyKey string, logger zerolog.Logger) []byte {
	raw, err := json.Marshal(response)
	if err != nil {
		logger.Error().Err(err).Msg("reply marshal failed")
		raw = []byte(`{"status":"ERROR","message":"` + msgInternal + `"}`)
	}
	if replyKey == "" {
		return raw
	}
	sealed, err := s.crypto.Encrypt(raw, replyKey)
	if err != nil {
		logger.Error().Err(err).Msg("reply encryption failed")
		return plainError(msgInternal)
	}
	return append([]byte(prefix), sealed...)
}

func plainError(message string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"status":  wire.StatusError,
		"message": message,
	})
	return raw
}

// protoErr is an error whose text is safe to hand to the caller verbatim.
type protoError string

func (e protoError) Error() string { return string(e) }

func protoErr(message string) error { return protoError(message) }

// hasKeys reports whether data contains every named key.
func hasKeys(data map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := data[key]; !ok {
			return false
		}
	}
	return true
}
