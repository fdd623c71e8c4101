// Package verify probes freshly created instances over SSH. A successful
// probe promotes the cache entry to running; an optional bootstrap script is
// pushed over SFTP and executed on first contact.
package verify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/capahunt/capahunt/pkg/statecache"
	"github.com/capahunt/capahunt/pkg/telemetry"
)

// DefaultDialTimeout bounds the TCP+handshake phase of one probe.
const DefaultDialTimeout = 30 * time.Second

// DefaultProbeCommand is run to confirm the instance is serving SSH.
const DefaultProbeCommand = "uptime"

const bootstrapRemotePath = "/tmp/capahunt-bootstrap.sh"

// HostResolver maps a created instance to a dialable address. Provisioning
// output carries the resource identifier, not an IP, so the operator wires in
// the lookup appropriate to their network setup.
type HostResolver func(ctx context.Context, resourceID, displayName string) (string, error)

// Config holds the SSH credentials and probe behavior.
type Config struct {
	User        string
	KeyPath     string
	Port        int
	DialTimeout time.Duration

	// ProbeCommand must exit 0 for the instance to count as running.
	ProbeCommand string

	// BootstrapScript, when set, is a local script uploaded and executed
	// after a successful probe.
	BootstrapScript string
}

// Validate checks the config before any dial happens.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("verify: user is required")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("verify: key path is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("verify: invalid port %d", c.Port)
	}
	return nil
}

func (c *Config) port() int {
	if c.Port == 0 {
		return 22
	}
	return c.Port
}

func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return c.DialTimeout
}

func (c *Config) probeCommand() string {
	if c.ProbeCommand == "" {
		return DefaultProbeCommand
	}
	return c.ProbeCommand
}

// SSHVerifier dials new instances and reports their observed status.
type SSHVerifier struct {
	config  Config
	resolve HostResolver
	logger  *telemetry.Logger
}

// New creates a verifier. The resolver is required; everything else has
// defaults.
func New(cfg Config, resolve HostResolver, logger *telemetry.Logger) (*SSHVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolve == nil {
		return nil, fmt.Errorf("verify: host resolver is required")
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &SSHVerifier{
		config:  cfg,
		resolve: resolve,
		logger:  logger.NewComponentLogger("verify"),
	}, nil
}

// Verify resolves the instance address, probes it over SSH, and runs the
// bootstrap script if one is configured. A reachable instance reports
// running; resolution or dial failures return an error so the caller keeps
// the created status.
func (v *SSHVerifier) Verify(ctx context.Context, resourceID, displayName string) (statecache.Status, error) {
	log := v.logger.WithField("resource_id", resourceID).WithField("display_name", displayName)

	host, err := v.resolve(ctx, resourceID, displayName)
	if err != nil {
		return statecache.StatusCreated, fmt.Errorf("resolve instance host: %w", err)
	}

	client, err := v.dial(ctx, host)
	if err != nil {
		return statecache.StatusCreated, err
	}
	defer client.Close()

	if err := runCommand(client, v.config.probeCommand()); err != nil {
		return statecache.StatusCreated, fmt.Errorf("probe command failed: %w", err)
	}
	log.Info("instance probe succeeded")

	if v.config.BootstrapScript != "" {
		if err := v.bootstrap(client); err != nil {
			// The instance is up even if bootstrap failed; report running
			// and let the operator rerun the script.
			log.WithError(err).Warn("bootstrap script failed")
			return statecache.StatusRunning, nil
		}
		log.Info("bootstrap script completed")
	}

	return statecache.StatusRunning, nil
}

// dial runs the blocking SSH dial in a goroutine so the context deadline
// still applies.
func (v *SSHVerifier) dial(ctx context.Context, host string) (*ssh.Client, error) {
	clientConfig, err := v.clientConfig()
	if err != nil {
		return nil, err
	}

	address := fmt.Sprintf("%s:%d", host, v.config.port())
	dialCtx, cancel := context.WithTimeout(ctx, v.config.dialTimeout())
	defer cancel()

	clientCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case clientCh <- client:
		case <-dialCtx.Done():
			client.Close()
		}
	}()

	select {
	case <-dialCtx.Done():
		return nil, fmt.Errorf("ssh dial %s: %w", address, dialCtx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("ssh dial %s: %w", address, err)
	case client := <-clientCh:
		return client, nil
	}
}

func (v *SSHVerifier) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(v.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &ssh.ClientConfig{
		User: v.config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Fresh instances have no recorded host key yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         v.config.dialTimeout(),
	}, nil
}

func runCommand(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	return session.Run(command)
}

// bootstrap uploads the configured script over SFTP and executes it.
func (v *SSHVerifier) bootstrap(client *ssh.Client) error {
	script, err := os.ReadFile(v.config.BootstrapScript)
	if err != nil {
		return fmt.Errorf("read bootstrap script: %w", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Create(bootstrapRemotePath)
	if err != nil {
		return fmt.Errorf("create remote script: %w", err)
	}
	if _, err := remote.Write(script); err != nil {
		remote.Close()
		return fmt.Errorf("upload script: %w", err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("flush script: %w", err)
	}
	if err := sftpClient.Chmod(bootstrapRemotePath, 0o755); err != nil {
		return fmt.Errorf("chmod script: %w", err)
	}

	return runCommand(client, bootstrapRemotePath)
}
