// hubd is a self-hosted smart-home hub daemon: it speaks ESPHome's native
// API and the Philips Hue bridge REST API directly to devices on the
// local network, discovers them over mDNS, keeps a local entity registry
// and state cache, and mirrors commands and state to a remote Postgres-
// backed store when one is configured.
//
// For architecture details, see internal/supervisor (startup/shutdown
// sequencing) and SPEC_FULL.md at the repository root.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/adapter/esphome"
	"github.com/pelago-hub/hubd/internal/adapter/hue"
	"github.com/pelago-hub/hubd/internal/adapter/mqttgeneric"
	"github.com/pelago-hub/hubd/internal/api"
	"github.com/pelago-hub/hubd/internal/commandqueue"
	"github.com/pelago-hub/hubd/internal/config"
	"github.com/pelago-hub/hubd/internal/credential"
	"github.com/pelago-hub/hubd/internal/discovery"
	"github.com/pelago-hub/hubd/internal/discovery/mdns"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/localstore"
	"github.com/pelago-hub/hubd/internal/logging"
	"github.com/pelago-hub/hubd/internal/remotestore"
	"github.com/pelago-hub/hubd/internal/statestore"
	"github.com/pelago-hub/hubd/internal/supervisor"
	"github.com/pelago-hub/hubd/internal/telemetry"
)

// Version information, set at build time via ldflags, e.g.:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.date=2026-07-31"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "/etc/hubd/config.yaml"

func main() {
	fmt.Printf("hubd %s (%s) built %s\n", version, commit, date)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hubd: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p, ok := os.LookupEnv("HUBD_CONFIG"); ok {
		return p
	}
	return defaultConfigPath
}

// run builds every subsystem and sequences it through internal/supervisor,
// returning once ctx is cancelled and shutdown has completed. Separated
// from main so it can be exercised in tests without an os.Exit.
func run(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Version = version

	log := logging.New(cfg.Logging, version)
	log.Info("starting hubd", "hub_id", cfg.HubID, "local_only", cfg.LocalOnly())

	if claims, ok := cfg.InspectRemoteStoreKey(); ok {
		log.Info("remote store key inspected", "issuer", claims.Issuer, "expires_at", claims.ExpiresAt)
	}

	db, err := localstore.Open(ctx, cfg.LocalStorePath)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer db.Close()

	repo := localstore.NewRepository(db)
	creds, err := newCredentialStore(db, cfg.CredentialMasterKey, log)
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	bus := eventbus.New()
	registry := entity.New(repo, bus)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	protocolAdapters := []adapter.Adapter{
		esphome.New(log, creds),
		hue.New(log, creds, bus),
	}
	if len(cfg.MQTT.Devices) > 0 {
		protocolAdapters = append(protocolAdapters, mqttgeneric.New(log, cfg.MQTT))
	}
	adapters := adapter.New(protocolAdapters, registry)

	classifier := discovery.ClassifyDefault
	discoveryMgr := discovery.New(classifier, bus, 2*cfg.DiscoveryInterval())
	browser := mdns.New([]string{"_esphomelib._tcp", "_hue._tcp", "_http._tcp"})
	browser.SetOnInstance(func(svc mdns.ServiceInstance) {
		discoveryMgr.Observe(discovery.RawInstance{
			ServiceType: svc.ServiceType,
			Name:        svc.Name,
			Host:        svc.Host,
			Address:     firstAddr(svc),
			Port:        svc.Port,
			TXT:         svc.TXT,
		})
	})

	var rest *remotestore.RESTClient
	var sub *remotestore.Subscriber
	var consumer *commandqueue.Consumer
	var mirror *statestore.Mirror
	if !cfg.LocalOnly() {
		rest = remotestore.NewRESTClient(remotestore.Config{
			BaseURL: cfg.RemoteStoreURL,
			APIKey:  cfg.RemoteStoreKey,
			Timeout: 10 * time.Second,
		})
		sub = remotestore.NewSubscriber(log, changeStreamURL(cfg.RemoteStoreURL), cfg.RemoteStoreKey, nil)
		consumer = commandqueue.New(log, rest, sub, registry, adapters, metrics, bus, cfg.CommandPollPeriod(), 0)

		latestSink := statestore.NewLatestSink(rest, bus, 0)
		historySink := statestore.NewHistorySink(rest, bus)
		mirror = statestore.NewMirror(bus, latestSink, historySink)
	}

	apiServer, err := api.New(api.Deps{
		Config:    cfg,
		Logger:    log,
		Entities:  registry,
		Adapters:  adapters,
		Discovery: discoveryMgr,
		Commands:  consumer,
		Bus:       bus,
		Metrics:   metrics,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("building api server: %w", err)
	}

	sup := supervisor.New(supervisor.Deps{
		Config:      cfg,
		Logger:      log,
		Bus:         bus,
		Adapters:    adapters,
		Discovery:   discoveryMgr,
		Rest:        rest,
		Consumer:    consumer,
		API:         apiServer,
		StateMirror: mirror,
	})

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	if cfg.DiscoveryEnabled {
		if err := browser.Start(ctx, cfg.DiscoveryInterval()); err != nil {
			log.Warn("mdns browser failed to start", "error", err)
		} else {
			defer browser.Close()
		}
	}

	log.Info("hubd ready", "listen_addr", cfg.ListenAddr())
	<-ctx.Done()
	log.Info("shutdown signal received")

	return sup.Close()
}

// newCredentialStore derives a 32-byte AEAD key from the configured
// master key material. An operator-supplied key is taken as-is if it
// decodes to 32 bytes of hex; anything else (including an empty value,
// for local development) is stretched through SHA-256 so the daemon
// always has a usable key, at the cost of losing at-rest protection
// across reinstalls if no key was actually configured.
func newCredentialStore(db *localstore.DB, masterKeyHex string, log *logging.Logger) (*credential.Store, error) {
	var key []byte
	if decoded, err := hex.DecodeString(masterKeyHex); err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		if masterKeyHex == "" {
			log.Warn("no credential_master_key configured; deriving an unstable development key")
		} else {
			log.Warn("credential_master_key is not 32 bytes of hex; deriving a key from it instead")
		}
		sum := sha256.Sum256([]byte(masterKeyHex))
		key = sum[:]
	}
	return credential.New(db.Conn(), key)
}

func firstAddr(svc mdns.ServiceInstance) string {
	if len(svc.Addrs) > 0 {
		return svc.Addrs[0].String()
	}
	return svc.Host
}

// changeStreamURL turns an http(s) remote store base URL into the
// websocket URL for its commands-table change stream.
func changeStreamURL(baseURL string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/realtime/v1/commands"
}
