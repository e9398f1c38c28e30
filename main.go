package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"droplink/config"
	"droplink/discovery"
	"droplink/signaling"
	"droplink/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Service ID:      %s\n", cfg.ServiceID)
	fmt.Printf("Instance Name:   %s\n", cfg.InstanceName)
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

	address := ":0"
	if cfg.PortMode == config.PortModeFixed {
		address = fmt.Sprintf(":%d", cfg.ListeningPort)
	}

	server, err := signaling.Listen(address, signaling.Options{
		SendBufferSize: cfg.SendBufferSize,
	})
	if err != nil {
		log.Fatalf("startup failed while starting signaling server: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("signaling server close error: %v", err)
		}
	}()

	port := listeningPort(server.Addr())
	fmt.Printf("Signaling:       ws://0.0.0.0:%d%s\n", port, signaling.DefaultPath)
	go logServerErrors(server.Errors())

	discoveryService, err := discovery.Start(discovery.Config{
		ServiceID:     cfg.ServiceID,
		InstanceName:  cfg.InstanceName,
		ListeningPort: port,
		EndpointPath:  signaling.DefaultPath,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go logDiscoveryEvents(discoveryService.Scanner.Events())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return
		case <-ticker.C:
			log.Printf("sessions: %d active", server.Hub().Store().SessionCount())
		}
	}
}

func listeningPort(addr net.Addr) int {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcpAddr.Port
}

func logServerErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("signaling: %v", err)
	}
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventServiceUpserted:
			log.Printf("discovery: service available id=%s name=%q addr=%v port=%d",
				event.Service.ServiceID, event.Service.InstanceName, event.Service.Addresses, event.Service.Port)
		case discovery.EventServiceRemoved:
			log.Printf("discovery: service removed id=%s", event.Service.ServiceID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Service.ServiceID)
		}
	}
}
