package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"notirelay/config"
	"notirelay/crypto"
	"notirelay/discovery"
	"notirelay/network"
	"notirelay/relay"
	"notirelay/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	identityKeys, err := crypto.EnsureIdentityKeys(cfg.IdentityPrivateKeyPath, cfg.IdentityPublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing identity keypair: %v", err)
	}
	agreementKey, err := crypto.EnsureX25519PrivateKey(cfg.AgreementPrivateKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing agreement keypair: %v", err)
	}

	fingerprint := crypto.Fingerprint(identityKeys.PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", cfg.KeyFingerprint)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	manager, err := relay.NewManager(relay.Options{
		Store:  store,
		Config: cfg,
		Identity: network.LocalIdentity{
			UUID:         cfg.DeviceID,
			DisplayName:  cfg.DeviceName,
			IdentityKeys: identityKeys,
			AgreementKey: agreementKey,
		},
		Callbacks: relay.Callbacks{
			ShowToast: func(message string) {
				log.Printf("notice: %s", message)
			},
			OnHandshakeRequest: func(request *relay.HandshakeRequest) {
				log.Printf("pairing request from %q id=%s addr=%s:%d (resolve via AcceptHandshake/RejectHandshake)",
					request.DisplayName, request.DeviceUUID, request.RemoteIP, request.RemotePort)
			},
			OnNotificationDataReceived: func(record storage.Notification) {
				log.Printf("notification from %s: [%s] %s", record.Device, record.AppName, record.Title)
			},
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating relay manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		log.Fatalf("startup failed while starting relay manager: %v", err)
	}
	defer manager.Stop()
	fmt.Printf("Relay Port:      %d\n", manager.ListenPort())

	// The advertised port is the one the listener actually bound, so
	// discovery starts after the manager.
	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DisplayName:    cfg.DeviceName,
		ListeningPort:  manager.ListenPort(),
		KeyFingerprint: cfg.KeyFingerprint,
		LivenessWindow: cfg.CandidateLiveness(),
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		manager.AttachDiscovery(discoveryService)
		fmt.Println("Discovery:       running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}
