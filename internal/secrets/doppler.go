// Package secrets resolves vendor credentials through the Doppler CLI.
package secrets

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// lookupTimeout bounds a single `doppler secrets get` invocation
const lookupTimeout = 5 * time.Second

// DopplerClient provides access to secrets stored in Doppler
type DopplerClient struct {
	Project string
	Config  string

	mu          sync.Mutex
	initialized bool
	cache       map[string]string
	lookPath    func(string) (string, error)
}

// NewDopplerClient creates a new Doppler client
func NewDopplerClient(project, config string) *DopplerClient {
	return &DopplerClient{
		Project:  project,
		Config:   config,
		cache:    make(map[string]string),
		lookPath: exec.LookPath,
	}
}

// Initialize checks if Doppler CLI is installed
func (d *DopplerClient) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookPath("doppler"); err != nil {
		return fmt.Errorf("doppler CLI not found: %w", err)
	}
	d.initialized = true
	return nil
}

// GetSecret retrieves a secret, preferring the process environment (as set by
// `doppler run`) over a CLI lookup.
func (d *DopplerClient) GetSecret(key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	d.mu.Lock()
	if value, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return value, nil
	}
	initialized := d.initialized
	d.mu.Unlock()

	if !initialized {
		if err := d.Initialize(); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "doppler", "secrets", "get", key,
		"--project", d.Project,
		"--config", d.Config,
		"--plain")

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}

	value := strings.TrimSpace(string(output))
	d.mu.Lock()
	d.cache[key] = value
	d.mu.Unlock()

	return value, nil
}

// GetSecretWithFallback gets a secret from Doppler with a fallback value
func (d *DopplerClient) GetSecretWithFallback(key, fallback string) string {
	value, err := d.GetSecret(key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}
