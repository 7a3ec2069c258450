package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wraith-labs/wraith/pkg/config"
	"github.com/wraith-labs/wraith/pkg/envelope"
	"github.com/wraith-labs/wraith/pkg/hostinfo"
	"github.com/wraith-labs/wraith/pkg/wire"
)

var (
	configPath = flag.String("config", "/etc/wraith/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Endpoint URL (overrides config)")
	initialKey = flag.String("key", "", "Bootstrap encryption key (overrides config)")
	Version    = "dev"
)

// Agent is the reference Wraith client: it handshakes, heartbeats, and
// answers the couple of built-in commands it knows. Anything else is
// acknowledged as unsupported so the issuing manager is not left waiting.
type Agent struct {
	cfg        *config.AgentConfig
	crypto     *envelope.Crypto
	client     *http.Client
	retry      *retrier
	key        string
	assignedID string
	results    []wire.CommandResult
}

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("wraith agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *initialKey != "" {
		cfg.InitialKey = *initialKey
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	applyLogging(cfg.Logging)

	crypto, err := envelope.New(envelope.ModeCBC, 256)
	if err != nil {
		log.Fatal().Err(err).Msg("crypto init failed")
	}

	agent := &Agent{
		cfg:    cfg,
		crypto: crypto,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutS) * time.Second,
		},
		retry: newRetrier(cfg.RetryInitialMs, cfg.RetryMaxMs, cfg.RetryMaxRetries),
		key:   cfg.InitialKey,
	}

	if err := agent.handshake(); err != nil {
		log.Fatal().Err(err).Msg("handshake failed")
	}

	jitter := time.Duration(cfg.JitterS) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.HeartbeatS) * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
		if err := agent.heartbeat(); err != nil {
			log.Warn().Err(err).Msg("heartbeat failed, re-registering")
			// The endpoint forgot us (expiry sweep, database reset) or the
			// switch key rotated under us. Start over from the bootstrap key.
			agent.key = cfg.InitialKey
			if err := agent.handshake(); err != nil {
				log.Error().Err(err).Msg("re-registration failed")
			}
		}
	}
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("WRAITH_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = newAgentLogger(os.Getenv("WRAITH_AGENT_LOG_FORMAT") == "json").Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	log.Logger = newAgentLogger(cfg.JSON).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(jsonFormat bool) zerolog.Logger {
	if jsonFormat {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func (a *Agent) handshake() error {
	host, self := hostinfo.Collect()
	self.Version = Version

	reply, err := a.exchange("handshake", map[string]any{
		"hostInfo":   host,
		"wraithInfo": self,
	})
	if err != nil {
		return err
	}

	assignedID, _ := reply["assignedID"].(string)
	if assignedID == "" {
		return errors.New("handshake reply missing assigned identifier")
	}
	a.assignedID = assignedID

	// Adopt the per-deployment key; from here on the bootstrap key is only a
	// fallback for re-registration.
	if switchKey, _ := reply["switchKey"].(string); switchKey != "" {
		a.key = switchKey
	}

	log.Info().Str("assigned_id", assignedID).Msg("registered with endpoint")
	return nil
}

func (a *Agent) heartbeat() error {
	payload := map[string]any{
		"assignedID": a.assignedID,
	}
	if len(a.results) > 0 {
		payload["results"] = a.results
	}

	reply, err := a.exchange("heartbeat", payload)
	if err != nil {
		return err
	}
	// Results delivered; anything produced below goes out next beat.
	a.results = nil

	// Convert the generic reply through JSON into typed commands.
	raw, err := json.Marshal(reply["commands"])
	if err != nil {
		return err
	}
	var commands []wire.Command
	if err := json.Unmarshal(raw, &commands); err != nil {
		return err
	}

	for _, cmd := range commands {
		if cmd.CommandID == "" {
			continue
		}
		log.Info().Str("command_id", cmd.CommandID).Str("name", cmd.Name).Msg("command received")
		a.results = append(a.results, wire.CommandResult{
			CommandID: cmd.CommandID,
			Result:    a.runCommand(cmd.Name),
		})
	}
	return nil
}

// runCommand executes the built-in command set. The reference agent carries
// no remote execution machinery; deployments extend this switch.
func (a *Agent) runCommand(name string) string {
	switch name {
	case "ping":
		return "pong"
	case "info":
		host, self := hostinfo.Collect()
		self.Version = Version
		raw, err := json.Marshal(map[string]any{"hostInfo": host, "wraithInfo": self})
		if err != nil {
			return "info collection failed"
		}
		return string(raw)
	default:
		return fmt.Sprintf("command %q not supported by this agent", name)
	}
}

// exchange performs one sealed request/response round trip: seal the request
// with the current key, POST it, unseal the reply with the same key. The
// endpoint always answers under the key that opened the request.
func (a *Agent) exchange(reqType string, payload map[string]any) (map[string]any, error) {
	payload["reqType"] = reqType
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sealed, err := a.crypto.Encrypt(raw, a.key)
	if err != nil {
		return nil, err
	}

	body := wire.BuildHeader(a.cfg.Prefix, wire.ClassWraith, a.cfg.ProtocolVersion[0]) + string(sealed)

	var replyBody []byte
	err = a.retry.do(func() error {
		resp, err := a.client.Post(a.cfg.ServerURL, "text/plain", bytes.NewBufferString(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if retryableStatus(resp.StatusCode) {
			return retryableStatusError{status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		replyBody, err = io.ReadAll(resp.Body)
		return err
	}, transportRetryable)
	if err != nil {
		return nil, err
	}

	return a.openReply(replyBody)
}

func (a *Agent) openReply(body []byte) (map[string]any, error) {
	var reply map[string]any

	if bytes.HasPrefix(body, []byte(a.cfg.Prefix)) {
		plain, err := a.crypto.Decrypt(body[len(a.cfg.Prefix):], a.key)
		if err != nil {
			return nil, fmt.Errorf("reply decryption failed: %w", err)
		}
		if err := json.Unmarshal(plain, &reply); err != nil {
			return nil, fmt.Errorf("reply decode failed: %w", err)
		}
	} else {
		// Bare JSON replies carry errors produced before key resolution.
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, errors.New("unintelligible reply")
		}
	}

	if status, _ := reply["status"].(string); status != wire.StatusSuccess {
		message, _ := reply["message"].(string)
		if message == "" {
			message = "endpoint reported failure"
		}
		return nil, errors.New(message)
	}
	return reply, nil
}
