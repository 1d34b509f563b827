// Package srvmgr binds the client-facing TCP interfaces and the admin
// stats endpoint. Servers are started only once the header chain is
// synchronized for the first time.
package srvmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds server manager configuration
type Config struct {
	// Interfaces are host:port TCP listen addresses for clients
	Interfaces []string

	// AdminAddr is the host:port of the admin HTTP endpoint serving
	// /stats; empty disables it
	AdminAddr string

	// Stats supplies the snapshot served at /stats
	Stats func() map[string]any

	Logger *slog.Logger
}

// Manager owns the client listeners and the admin HTTP server
type Manager struct {
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	admin     *http.Server
	started   bool
}

// New creates a Manager; call Start once synchronized
func New(config *Config) (*Manager, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: config, logger: logger}, nil
}

// Start binds every configured interface and the admin endpoint. A
// bind failure is returned to the caller, which treats it as fatal.
// Calling Start twice is an error.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("server manager already started")
	}

	for _, addr := range m.config.Interfaces {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			m.closeLocked()
			return fmt.Errorf("failed to bind %s: %w", addr, err)
		}
		m.logger.Info("Listening for clients", "address", addr)
		m.listeners = append(m.listeners, ln)
		go m.acceptLoop(ln)
	}

	if m.config.AdminAddr != "" {
		ln, err := net.Listen("tcp", m.config.AdminAddr)
		if err != nil {
			m.closeLocked()
			return fmt.Errorf("failed to bind admin %s: %w", m.config.AdminAddr, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/stats", m.handleStats)
		m.admin = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		m.logger.Info("Admin endpoint listening", "address", m.config.AdminAddr)
		go func() {
			if err := m.admin.Serve(ln); err != nil && err != http.ErrServerClosed {
				m.logger.Error("Admin server exited", "error", err)
			}
		}()
	}

	m.started = true
	return nil
}

// acceptLoop accepts and immediately closes client connections. The
// client protocol itself is not part of this service yet; the bound
// interfaces reserve the addresses and prove reachability.
func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.logger.Debug("Client connected", "remote", conn.RemoteAddr().String())
		_ = conn.Close()
	}
}

func (m *Manager) handleStats(w http.ResponseWriter, r *http.Request) {
	var snapshot map[string]any
	if m.config.Stats != nil {
		snapshot = m.config.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		m.logger.Warn("Failed to write stats", "error", err)
	}
}

// Stats returns a snapshot of the bound interfaces
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.listeners))
	for _, ln := range m.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return map[string]any{
		"started":    m.started,
		"interfaces": addrs,
		"admin":      m.config.AdminAddr,
	}
}

// Stop closes all listeners and shuts the admin server down
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	if m.admin != nil {
		if err := m.admin.Shutdown(ctx); err != nil {
			firstErr = err
		}
		m.admin = nil
	}
	m.closeLocked()
	m.started = false
	return firstErr
}

func (m *Manager) closeLocked() {
	for _, ln := range m.listeners {
		_ = ln.Close()
	}
	m.listeners = nil
}
