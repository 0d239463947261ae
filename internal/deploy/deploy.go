// Package deploy installs the lablink agent on remote hosts over SSH.
package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultRemotePath  = "/usr/local/bin/lablink"
	defaultUnitPath    = "/etc/systemd/system/lablink-agent.service"
	defaultServiceName = "lablink-agent"

	// remoteConfigPath is where the agent looks for its config by default.
	remoteConfigPath = "/etc/lablink/lablink.toml"

	dialTimeout = 10 * time.Second
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=LabLink lab agent
After=network-online.target
Wants=network-online.target

[Service]
ExecStart={{.Binary}} agent --config {{.Config}}
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`))

// Target describes one host to provision.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Options carries the local artifacts to push across and where they land.
type Options struct {
	// BinaryPath is the local lablink binary, typically the running
	// executable itself.
	BinaryPath string
	// ConfigPath is the agent configuration to install. When empty the
	// target is expected to already have one.
	ConfigPath     string
	KnownHostsPath string

	// RemotePath, UnitPath, and ServiceName fall back to the standard
	// system locations when empty.
	RemotePath  string
	UnitPath    string
	ServiceName string

	Log zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.RemotePath == "" {
		o.RemotePath = defaultRemotePath
	}
	if o.UnitPath == "" {
		o.UnitPath = defaultUnitPath
	}
	if o.ServiceName == "" {
		o.ServiceName = defaultServiceName
	}
}

// Install connects to the target with password authentication, uploads the
// binary, config, and a systemd unit, then enables and starts the service.
// The login user needs write access to the system paths, so in practice
// deployments run as root.
func Install(target Target, opts Options) error {
	opts.applyDefaults()

	client, err := dial(target, opts.KnownHostsPath)
	if err != nil {
		return err
	}
	defer client.Close()

	binary, err := os.ReadFile(opts.BinaryPath)
	if err != nil {
		return fmt.Errorf("reading binary %s: %w", opts.BinaryPath, err)
	}
	if err := upload(client, opts.RemotePath, 0755, binary); err != nil {
		return err
	}

	if opts.ConfigPath != "" {
		config, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", opts.ConfigPath, err)
		}
		if err := upload(client, remoteConfigPath, 0640, config); err != nil {
			return err
		}
	} else {
		opts.Log.Warn().Str("host", target.Host).Msg("No config supplied, expecting one on the target already")
	}

	unit, err := renderUnit(opts.RemotePath)
	if err != nil {
		return err
	}
	if err := upload(client, opts.UnitPath, 0644, unit); err != nil {
		return err
	}

	if _, err := run(client, "systemctl daemon-reload && systemctl enable --now "+opts.ServiceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	out, err := run(client, "systemctl is-active "+opts.ServiceName)
	if err != nil || strings.TrimSpace(out) != "active" {
		return fmt.Errorf("service did not come up on %s: %s", target.Host, strings.TrimSpace(out))
	}

	opts.Log.Info().
		Str("host", target.Host).
		Str("user", target.User).
		Msg("Agent deployed")

	return nil
}

func renderUnit(binaryPath string) ([]byte, error) {
	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, struct{ Binary, Config string }{binaryPath, remoteConfigPath})
	if err != nil {
		return nil, fmt.Errorf("rendering unit file: %w", err)
	}
	return buf.Bytes(), nil
}

func dial(target Target, knownHostsPath string) (*ssh.Client, error) {
	callback, err := hostKeyCallback(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("setting up host key verification: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	config := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
		},
		HostKeyCallback: callback,
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial to %s: %w", addr, err)
	}
	return client, nil
}

// upload streams data to remotePath through the session's stdin.
func upload(client *ssh.Client, remotePath string, mode os.FileMode, data []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("creating SSH session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		path.Dir(remotePath), remotePath, mode, remotePath)

	if output, err := session.CombinedOutput(cmd); err != nil {
		return fmt.Errorf("uploading %s: %w: %s", remotePath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func run(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("creating SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(output), fmt.Errorf("remote command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// hostKeyCallback returns strict known_hosts checking when the file has
// entries, trust-on-first-use otherwise. An empty path disables checking.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if err := os.MkdirAll(path.Dir(knownHostsPath), 0700); err != nil {
			return nil, fmt.Errorf("creating known_hosts directory: %w", err)
		}
		f, err := os.Create(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
		f.Close()
		return trustOnFirstUse(knownHostsPath), nil
	}

	strict, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	// Hosts the file already knows are checked strictly; new hosts get
	// recorded. A mismatch on a known host still fails the dial.
	record := trustOnFirstUse(knownHostsPath)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := strict(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return record(hostname, remote, key)
		}
		return err
	}, nil
}

// trustOnFirstUse accepts any host key and appends it to the known_hosts
// file.
func trustOnFirstUse(knownHostsPath string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		line := knownhosts.Line([]string{knownhosts.Normalize(remote.String())}, key)
		f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()
		_, err = fmt.Fprintln(f, line)
		return err
	}
}
