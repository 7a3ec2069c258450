package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/wraith-labs/wraith/pkg/envelope"
	"github.com/wraith-labs/wraith/pkg/wire"
)

// session is the console's persisted state from a successful login. The
// token and first-layer key in here are exactly as sensitive as a password,
// so the file is written 0600.
type session struct {
	ServerURL     string `json:"serverURL"`
	SessionID     string `json:"sessionID"`
	SessionToken  string `json:"sessionToken"`
	Prefix        string `json:"prefix"`
	FirstLayerKey string `json:"firstLayerKey"`
	APIVersion    string `json:"apiVersion"`
	Fingerprint   string `json:"fingerprint"`
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wraith-admin.json"
	}
	return filepath.Join(home, ".wraith-admin.json")
}

func loadSession(path string) (*session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("not logged in (run: wraith-admin login <username>)")
		}
		return nil, err
	}
	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session file %s: %w", path, err)
	}
	return &sess, nil
}

func (s *session) save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// client speaks the two-layer manager protocol against a single endpoint.
type client struct {
	sess   *session
	crypto *envelope.Crypto
	http   *http.Client
}

func newClient(sess *session) (*client, error) {
	crypto, err := envelope.New(envelope.ModeCBC, 256)
	if err != nil {
		return nil, err
	}
	return &client{
		sess:   sess,
		crypto: crypto,
		http:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// request seals and sends one manager request. Inner layer: the request plus
// the echoed session token, under the token. Outer layer: [sessionID, inner]
// under the shared first-layer key. Only the outer layer names the session,
// so a first-layer-only observer learns the session ID and nothing else.
func (c *client) request(reqType string, fields map[string]any) (map[string]any, error) {
	inner := map[string]any{
		"reqType":      reqType,
		"sessionToken": c.sess.SessionToken,
	}
	for k, v := range fields {
		inner[k] = v
	}
	innerRaw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	innerSealed, err := c.crypto.Encrypt(innerRaw, c.sess.SessionToken)
	if err != nil {
		return nil, err
	}

	outerRaw, err := json.Marshal([]string{c.sess.SessionID, string(innerSealed)})
	if err != nil {
		return nil, err
	}
	outerSealed, err := c.crypto.Encrypt(outerRaw, c.sess.FirstLayerKey)
	if err != nil {
		return nil, err
	}

	body := wire.BuildHeader(c.sess.Prefix, wire.ClassManager, '0') + string(outerSealed)

	resp, err := c.http.Post(c.sess.ServerURL, "text/plain", bytes.NewBufferString(body))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return c.openReply(replyBody)
}

func (c *client) openReply(body []byte) (map[string]any, error) {
	var reply map[string]any

	if bytes.HasPrefix(body, []byte(c.sess.Prefix)) {
		plain, err := c.crypto.Decrypt(body[len(c.sess.Prefix):], c.sess.SessionToken)
		if err != nil {
			return nil, fmt.Errorf("reply decryption failed (session expired?): %w", err)
		}
		if err := json.Unmarshal(plain, &reply); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errors.New("unintelligible reply")
	}

	if status, _ := reply["status"].(string); status != wire.StatusSuccess {
		message, _ := reply["message"].(string)
		if message == "" {
			message = "endpoint reported failure"
		}
		return nil, errors.New(message)
	}

	if c.sess.Fingerprint != "" {
		if fp, _ := reply["APIFingerprint"].(string); fp != "" && fp != c.sess.Fingerprint {
			return nil, errors.New("endpoint fingerprint changed since login; refusing reply")
		}
	}
	return reply, nil
}

// login performs the out-of-band credential exchange and returns a fresh
// session.
func login(serverURL, username, password string) (*session, error) {
	crypto, err := envelope.New(envelope.ModeCBC, 256)
	if err != nil {
		return nil, err
	}

	sealedPassword, err := crypto.Encrypt([]byte(password), username+"wraithCredentials")
	if err != nil {
		return nil, err
	}
	body := username + "|" + string(sealedPassword)

	req, err := http.NewRequest(http.MethodPut, serverURL, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to endpoint: %w", err)
	}
	defer resp.Body.Close()
	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	plain, err := crypto.Decrypt(replyBody, password)
	if err != nil {
		// Rejections come back as bare JSON; surface their message.
		var rejection struct {
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(replyBody, &rejection); jsonErr == nil && rejection.Message != "" {
			return nil, errors.New(rejection.Message)
		}
		return nil, errors.New("login failed")
	}

	var reply struct {
		Status string `json:"status"`
		Config struct {
			SessionID               string `json:"sessionID"`
			SessionToken            string `json:"sessionToken"`
			APIPrefix               string `json:"APIPrefix"`
			FirstLayerEncryptionKey string `json:"firstLayerEncryptionKey"`
			APIVersion              string `json:"APIVersion"`
			APIFingerprint          string `json:"APIFingerprint"`
		} `json:"config"`
	}
	if err := json.Unmarshal(plain, &reply); err != nil {
		return nil, err
	}
	if reply.Status != wire.StatusSuccess || reply.Config.SessionToken == "" {
		return nil, errors.New("login failed")
	}

	return &session{
		ServerURL:     serverURL,
		SessionID:     reply.Config.SessionID,
		SessionToken:  reply.Config.SessionToken,
		Prefix:        reply.Config.APIPrefix,
		FirstLayerKey: reply.Config.FirstLayerEncryptionKey,
		APIVersion:    reply.Config.APIVersion,
		Fingerprint:   reply.Config.APIFingerprint,
	}, nil
}
