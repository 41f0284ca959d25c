// Package sshkeys installs public keys on devices over SSH.
package sshkeys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort    = 22
	DefaultTimeout = 30 * time.Second
)

// Installer distributes keys to a user account on a device.
type Installer interface {
	Install(ctx context.Context, host, username string, keys []string) error
}

// Config describes how the agent reaches devices.
type Config struct {
	PrivateKeyPath string
	KnownHostsPath string
	Port           int
	Timeout        time.Duration
}

// Client runs key installation commands on devices.
type Client struct {
	signer   ssh.Signer
	hostKeys ssh.HostKeyCallback
	port     int
	timeout  time.Duration
}

// New loads the agent key and, when configured, the known hosts database.
// Without a known hosts file any host key is accepted since lab devices
// are re-imaged between jobs.
func New(cfg Config) (*Client, error) {
	buf, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", cfg.PrivateKeyPath, err)
	}

	c := &Client{
		signer:  signer,
		port:    cfg.Port,
		timeout: cfg.Timeout,
	}
	if c.port == 0 {
		c.port = DefaultPort
	}
	if c.timeout == 0 {
		c.timeout = DefaultTimeout
	}

	if path := strings.TrimSpace(cfg.KnownHostsPath); path != "" {
		db, err := knownhosts.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		c.hostKeys = db.HostKeyCallback()
	} else {
		log.Warn("no known hosts file configured, device host keys are not verified")
		c.hostKeys = ssh.InsecureIgnoreHostKey()
	}

	return c, nil
}

// PublicKey returns the agent key in authorized_keys format.
func (c *Client) PublicKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(c.signer.PublicKey())))
}

// Install adds keys to username's authorized keys on host. Keys prefixed
// with lp: or gh: are imported with ssh-import-id.
func (c *Client) Install(ctx context.Context, host, username string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.run(ctx, host, username, ssh.PublicKeys(c.signer), keys)
}

// CopyID installs the agent's own public key on host, authenticating with
// the account password.
func (c *Client) CopyID(ctx context.Context, host, username, password string) error {
	return c.run(ctx, host, username, ssh.Password(password), []string{c.PublicKey()})
}

func (c *Client) run(ctx context.Context, host, username string, auth ssh.AuthMethod, keys []string) error {
	cmds := make([]string, 0, len(keys))
	for _, key := range keys {
		cmd, err := InstallCommand(key)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}

	client, err := c.dial(ctx, host, username, auth)
	if err != nil {
		return err
	}
	defer client.Close()

	for i, cmd := range cmds {
		session, err := client.NewSession()
		if err != nil {
			return fmt.Errorf("open ssh session to %s: %w", host, err)
		}
		out, err := session.CombinedOutput(cmd)
		session.Close()
		if err != nil {
			return fmt.Errorf("install key %q on %s: %w: %s", keyLabel(keys[i]), host, err, bytes.TrimSpace(out))
		}
		log.Info("installed ssh key", "host", host, "user", username, "key", keyLabel(keys[i]))
	}
	return nil
}

func (c *Client) dial(ctx context.Context, host, username string, auth ssh.AuthMethod) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.port))
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: c.hostKeys,
		Timeout:         c.timeout,
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// InstallCommand returns the remote shell command that installs key.
func InstallCommand(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty ssh key")
	}

	if strings.HasPrefix(key, "lp:") || strings.HasPrefix(key, "gh:") {
		if strings.ContainsAny(key, " \t\n'\";&|$`") {
			return "", fmt.Errorf("invalid key id %q", key)
		}
		return "ssh-import-id " + key, nil
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	quoted := quote(key)
	return "mkdir -p ~/.ssh && chmod 700 ~/.ssh && " +
		"(grep -qxF " + quoted + " ~/.ssh/authorized_keys 2>/dev/null || echo " + quoted + " >> ~/.ssh/authorized_keys) && " +
		"chmod 600 ~/.ssh/authorized_keys", nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func keyLabel(key string) string {
	fields := strings.Fields(key)
	switch len(fields) {
	case 0:
		return ""
	case 1, 2:
		return fields[0]
	default:
		// type and comment, never the key material
		return fields[0] + " " + strings.Join(fields[2:], " ")
	}
}
