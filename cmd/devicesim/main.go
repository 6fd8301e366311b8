// Command devicesim drives a single device end to end against a running
// relayd: it registers the device, opens or joins a session, distributes or
// unwraps the session secret, attaches to the relay, and pushes a few sealed
// events through the sync worker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/config"
	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/envelope"
	"github.com/sessionwire/sessionwire/internal/keycache"
	"github.com/sessionwire/sessionwire/internal/keystore"
	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/internal/outbox"
	"github.com/sessionwire/sessionwire/internal/relay"
	"github.com/sessionwire/sessionwire/internal/syncworker"
)

type simConfig struct {
	serverURL string
	relayURL  string
	userID    string
	deviceID  string
	sessionID string
	role      string
	peer      string
	payload   string
	timeout   time.Duration
	cfg       config.Config
}

func main() {
	sc := parseConfig()
	if err := run(sc); err != nil {
		log.Fatalf("devicesim failed: %v", err)
	}
	log.Printf("devicesim role %s completed session %s", sc.role, sc.sessionID)
}

func parseConfig() simConfig {
	var sc simConfig
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML/JSON config file (optional)")
	flag.StringVar(&sc.serverURL, "server", "http://127.0.0.1:8080", "Base URL of the relayd HTTP API")
	flag.StringVar(&sc.relayURL, "relay", "ws://127.0.0.1:8080/v1/relay", "WebSocket URL of the relay")
	flag.StringVar(&sc.userID, "user", "sim-user", "User the device belongs to")
	flag.StringVar(&sc.deviceID, "device", "", "Device ID (generated when empty)")
	flag.StringVar(&sc.sessionID, "session", "sim-session", "Session to open or join")
	flag.StringVar(&sc.role, "role", "executor", "Role for this device (executor|controller)")
	flag.StringVar(&sc.peer, "peer-device", "", "Peer device to distribute the session secret to (executor only)")
	flag.StringVar(&sc.payload, "payload", "hello from devicesim", "Plaintext to seal and sync")
	flag.DurationVar(&sc.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch sc.role {
	case "executor", "controller":
	default:
		log.Fatalf("unsupported role %s (expected executor or controller)", sc.role)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sc.cfg = cfg
	return sc
}

func run(sc simConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	logger, err := logging.NewLogger("devicesim", sc.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	vault := keystore.NewFileVault(sc.cfg.Vault.Path)
	passphrase, err := sc.cfg.VaultPassphrase()
	if err != nil {
		return err
	}
	if err := unlockOrInit(ctx, vault, passphrase, logger); err != nil {
		return err
	}

	identity, err := loadOrCreateIdentity(ctx, vault)
	if err != nil {
		return err
	}

	api := &apiClient{base: sc.serverURL, http: &http.Client{Timeout: 10 * time.Second}}
	device, token, err := api.register(ctx, sc.userID, sc.deviceID, sc.role, identity.Public)
	if err != nil {
		return err
	}
	logger.Info("device registered", zap.String("device_id", device))
	api.token = token

	sessionKey, err := establishSession(ctx, sc, api, vault, device, logger)
	if err != nil {
		return err
	}
	defer seal.Zero(sessionKey)

	client := relay.NewClient(relay.ClientConfig{
		URL:               sc.relayURL,
		Token:             token,
		DeviceID:          device,
		HeartbeatInterval: sc.cfg.Relay.HeartbeatInterval,
		ReconnectAttempts: sc.cfg.Relay.ReconnectAttempts,
		ReconnectDelay:    sc.cfg.Relay.ReconnectDelay,
	}, relay.ClientEvents{
		OnPresence: func(t relay.FrameType, p relay.PresencePayload) {
			logger.Info("presence", zap.String("type", string(t)), zap.String("device_id", p.DeviceID))
		},
		OnEnvelope: func(env envelope.Envelope) {
			logger.Info("envelope received", zap.String("event_id", env.EventID))
		},
	}, logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer client.Close()

	permission := relay.PermissionFullControl
	if sc.role == "controller" {
		permission = relay.PermissionInteract
	}
	peers, err := client.JoinSession(ctx, relay.JoinPayload{
		SessionID:  sc.sessionID,
		Role:       relay.Role(sc.role),
		Permission: permission,
	})
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	logger.Info("joined session", zap.Int("peers", len(peers)))

	return syncEvents(ctx, sc, vault, device, token, logger)
}

func unlockOrInit(ctx context.Context, vault keystore.Backend, passphrase string, logger *zap.Logger) error {
	if err := vault.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := vault.Initialize(ctx, passphrase); err != nil {
				return fmt.Errorf("initialize vault: %w", err)
			}
			logger.Info("initialized new vault")
			return nil
		}
		return fmt.Errorf("unlock vault: %w", err)
	}
	logger.Info("vault unlocked")
	return nil
}

func loadOrCreateIdentity(ctx context.Context, vault keystore.Backend) (grant.KeyPair, error) {
	identity, err := vault.LoadIdentity(ctx)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, keystore.ErrNoIdentity) {
		return grant.KeyPair{}, err
	}
	identity, err = grant.GenerateIdentity(nil)
	if err != nil {
		return grant.KeyPair{}, fmt.Errorf("generate identity: %w", err)
	}
	if err := vault.StoreIdentity(ctx, identity); err != nil {
		return grant.KeyPair{}, err
	}
	return identity, nil
}

// establishSession creates the session and fans the secret out when running
// as executor, or fetches and unwraps this device's grant when joining.
func establishSession(ctx context.Context, sc simConfig, api *apiClient, vault keystore.Backend, deviceID string, logger *zap.Logger) ([]byte, error) {
	if sc.role == "executor" {
		if err := api.createSession(ctx, sc.sessionID); err != nil {
			return nil, err
		}
		key, err := seal.NewSessionKey()
		if err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		if sc.peer != "" {
			peerKey, err := api.devicePublicKey(ctx, sc.userID, sc.peer)
			if err != nil {
				return nil, err
			}
			grants, err := grant.Distribute(sc.sessionID, key, []grant.Recipient{
				{DeviceID: sc.peer, PublicKey: peerKey},
			}, time.Now())
			if err != nil {
				return nil, fmt.Errorf("distribute: %w", err)
			}
			if err := api.putGrants(ctx, sc.sessionID, grants); err != nil {
				return nil, err
			}
			logger.Info("session secret distributed", zap.String("peer", sc.peer))
		}
		// Wrap the key to ourselves so the vault can recover it later.
		own, err := grant.Distribute(sc.sessionID, key, []grant.Recipient{
			{DeviceID: deviceID, PublicKey: mustIdentity(ctx, vault).Public},
		}, time.Now())
		if err != nil {
			return nil, fmt.Errorf("self grant: %w", err)
		}
		if err := vault.StoreGrant(ctx, own[0]); err != nil {
			return nil, err
		}
		return key, nil
	}

	g, err := api.getGrant(ctx, sc.sessionID, deviceID)
	if err != nil {
		return nil, err
	}
	identity := mustIdentity(ctx, vault)
	defer identity.Zero()
	key, err := grant.Open(identity.Private, g)
	if err != nil {
		return nil, fmt.Errorf("open grant: %w", err)
	}
	if err := vault.StoreGrant(ctx, g); err != nil {
		seal.Zero(key)
		return nil, err
	}
	// Ack so the wrapped key leaves the wire store.
	if err := api.consumeGrant(ctx, sc.sessionID, deviceID); err != nil {
		logger.Warn("consume grant", zap.Error(err))
	}
	logger.Info("session secret unwrapped")
	return key, nil
}

func mustIdentity(ctx context.Context, vault keystore.Backend) grant.KeyPair {
	identity, err := vault.LoadIdentity(ctx)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	return identity
}

// syncEvents pushes a handful of plaintext events through the durable sync
// worker and waits for the outbox to drain.
func syncEvents(ctx context.Context, sc simConfig, vault keystore.Backend, deviceID, token string, logger *zap.Logger) error {
	store, err := outbox.OpenFileStore(sc.cfg.Storage.OutboxPath)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	worker := syncworker.New(syncworker.Config{
		BatchSize:     sc.cfg.Sync.BatchSize,
		FlushInterval: sc.cfg.Sync.FlushInterval,
		Schedule:      outbox.Schedule{Base: sc.cfg.Sync.BackoffBase, Max: sc.cfg.Sync.BackoffMax},
	}, store,
		&syncworker.GrantKeys{Cache: keycache.New(), Vault: vault},
		syncworker.NewHTTPUploader(sc.serverURL+"/v1/sync/batch"),
		logger,
	)
	worker.SetContext(syncworker.AuthContext{UserID: sc.userID, DeviceID: deviceID, Token: token})
	go worker.Run(ctx)

	for i := 0; i < 3; i++ {
		worker.Enqueue(syncworker.Message{
			SessionID:        sc.sessionID,
			Plane:            envelope.PlaneSession,
			SessionEventType: envelope.EventExecutorUpdate,
			Plaintext:        []byte(fmt.Sprintf("%s #%d", sc.payload, i+1)),
			CreatedAt:        time.Now().UTC(),
		})
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := worker.Close(closeCtx); err != nil {
		return fmt.Errorf("drain sync worker: %w", err)
	}
	if n, err := store.Len(); err != nil {
		return fmt.Errorf("inspect outbox: %w", err)
	} else if n > 0 {
		return fmt.Errorf("%d envelopes still pending in the outbox", n)
	}
	logger.Info("all events synced")
	return nil
}

// apiClient is a thin wrapper over the relayd HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *apiClient) register(ctx context.Context, userID, deviceID, role string, publicKey []byte) (string, string, error) {
	var out struct {
		Device struct {
			ID string `json:"id"`
		} `json:"device"`
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/devices", map[string]any{
		"deviceId":  deviceID,
		"userId":    userID,
		"role":      role,
		"publicKey": publicKey,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.Device.ID, out.Token, nil
}

func (c *apiClient) createSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions", map[string]any{
		"sessionId":        sessionID,
		"allowViewerInput": false,
	}, nil)
}

func (c *apiClient) devicePublicKey(ctx context.Context, userID, deviceID string) ([]byte, error) {
	var out struct {
		Devices []struct {
			ID        string `json:"id"`
			PublicKey []byte `json:"publicKey"`
		} `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+userID+"/devices", nil, &out); err != nil {
		return nil, err
	}
	for _, d := range out.Devices {
		if d.ID == deviceID {
			return d.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("device %s not found for user %s", deviceID, userID)
}

func (c *apiClient) putGrants(ctx context.Context, sessionID string, grants []grant.Grant) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/grants", map[string]any{"grants": grants}, nil)
}

func (c *apiClient) getGrant(ctx context.Context, sessionID, deviceID string) (grant.Grant, error) {
	var g grant.Grant
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/grants/"+deviceID, nil, &g)
	return g, err
}

func (c *apiClient) consumeGrant(ctx context.Context, sessionID, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID+"/grants/"+deviceID, nil, nil)
}
