package main

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wraith-labs/wraith/pkg/wire"
)

// credentialSuffix is appended to the username to derive the obfuscation key
// for the password in an autoconf request. This is obfuscation against
// shoulder-surfing a capture, not security; deployments are expected to run
// behind TLS.
const credentialSuffix = "wraithCredentials"

// handleAutoconf implements the out-of-band credential exchange (HTTP PUT):
// body `username|encryptedPassword`, reply encrypted with the plaintext
// password the caller just proved knowledge of.
func (s *Server) handleAutoconf(c *gin.Context) {
	logger := requestLogger(c, s.logger)
	ip := s.clientIP(c)

	if !s.rateLimiter.Allow("autoconf:"+ip, 10, time.Minute) {
		c.Data(http.StatusTooManyRequests, "text/plain; charset=utf-8", plainError(msgAccountLocked))
		return
	}

	// Credential exchange doubles as authentication, so pad the response
	// time: a flat-rate oracle on hash comparison time would make offline
	// guessing easier. Concurrent requests still leak; this only raises
	// the cost.
	time.Sleep(time.Duration(500+rand.Intn(1500)) * time.Millisecond)

	body, err := c.GetRawData()
	if err != nil {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", plainError(msgMalformed))
		return
	}

	var reply []byte
	txErr := s.store.WithTx(func(tx *Store) error {
		reply = s.autoconf(tx, string(body), ip, logger)
		return nil
	})
	if txErr != nil {
		logger.Error().Err(txErr).Msg("autoconf transaction failed")
		reply = plainError(msgInternal)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", reply)
}

func (s *Server) autoconf(tx *Store, body, ip string, logger zerolog.Logger) []byte {
	now := time.Now()

	if err := tx.ExpireWraiths(now); err != nil {
		return plainError(msgInternal)
	}
	if err := tx.ExpireSessions(now); err != nil {
		return plainError(msgInternal)
	}

	// Opportunistic first-layer key rotation: only possible while no
	// sessions are active, which is exactly when nobody is broken by it.
	if _, err := tx.RotateFirstLayerKey(false); err != nil && !errors.Is(err, errRotationBlocked) {
		return plainError(msgInternal)
	}

	if tx.IPBlocked(ip) {
		return plainError(msgBlocked)
	}

	if strings.Count(body, "|") != 1 {
		return plainError(msgMalformed)
	}
	parts := strings.SplitN(body, "|", 2)
	username := parts[0]

	passwordBytes, err := s.crypto.Decrypt([]byte(parts[1]), username+credentialSuffix)
	if err != nil {
		return plainError(msgMalformed)
	}
	password := string(passwordBytes)

	switch err := tx.VerifyUser(username, password, now); {
	case errors.Is(err, errAccountLocked):
		logger.Warn().Str("user", username).Str("ip", ip).Msg("login rejected: account locked")
		return plainError(msgAccountLocked)
	case errors.Is(err, errInvalidCredentials):
		logger.Warn().Str("user", username).Str("ip", ip).Msg("login rejected: bad credentials")
		return plainError(msgIncorrectCreds)
	case err != nil:
		return plainError(msgInternal)
	}

	sess, err := tx.CreateSession(username, ip, now)
	if err != nil {
		return plainError(msgInternal)
	}

	prefix, err := tx.Setting(settingAPIPrefix)
	if err != nil {
		return plainError(msgInternal)
	}
	firstLayerKey, err := tx.Setting(settingFirstLayerKey)
	if err != nil {
		return plainError(msgInternal)
	}
	fingerprint, err := tx.Setting(settingAPIFingerprint)
	if err != nil {
		return plainError(msgInternal)
	}
	expiry := int(tx.settingSeconds(settingSessionExpiryDelay, 12).Seconds())

	response := map[string]any{
		"status": wire.StatusSuccess,
		"config": map[string]any{
			"sessionID":               sess.SessionID,
			"sessionToken":            sess.SessionToken,
			"updateInterval":          expiry / 3,
			"APIPrefix":               prefix,
			"firstLayerEncryptionKey": firstLayerKey,
			"APIVersion":              APIVersion,
			"APIFingerprint":          fingerprint,
		},
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return plainError(msgInternal)
	}

	// The session token never crosses the wire unprotected: the reply is
	// sealed with the password the caller just proved.
	sealed, err := s.crypto.Encrypt(raw, password)
	if err != nil {
		return plainError(msgInternal)
	}
	logger.Info().Str("user", username).Str("session_id", sess.SessionID).Msg("manager session created")
	return sealed
}
