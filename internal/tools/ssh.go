package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/basket/overseer/internal/credentials"
	"github.com/basket/overseer/internal/structured"
)

// SSHConnector is the credential connector type read by the SSH tool.
const SSHConnector = "ssh"

// SSHHost is one reachable host alias.
type SSHHost struct {
	Addr string `yaml:"addr"`
	User string `yaml:"user,omitempty"`
	// HostKey is an authorized_keys formatted public key. When empty the
	// host is refused unless Insecure is set.
	HostKey  string `yaml:"host_key,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

var sshSchema = structured.MustCompile(`{
	"type": "object",
	"properties": {
		"host": {"type": "string", "minLength": 1},
		"command": {"type": "string", "minLength": 1},
		"timeout_sec": {"type": "integer", "minimum": 1, "maximum": 120}
	},
	"required": ["host", "command"],
	"additionalProperties": false
}`)

type sshArgs struct {
	Host       string `json:"host"`
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// SSHTool runs a command on a configured remote host using the calling
// owner's "ssh" credentials.
type SSHTool struct {
	Hosts   map[string]SSHHost
	Timeout time.Duration

	dial func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
}

func (*SSHTool) Name() string { return "ssh_exec" }

func (t *SSHTool) Description() string {
	aliases := make([]string, 0, len(t.Hosts))
	for a := range t.Hosts {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return fmt.Sprintf("Run a command on a remote host over SSH. Known hosts: %v. Uses the caller's ssh credentials.", aliases)
}

func (*SSHTool) Schema() *structured.Schema { return sshSchema }

func (t *SSHTool) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var args sshArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("decode args: %w", err)
	}
	host, ok := t.Hosts[args.Host]
	if !ok {
		return "", fmt.Errorf("unknown host %q", args.Host)
	}
	if err := CheckCommand(args.Command); err != nil {
		return "", err
	}
	cfg, err := t.clientConfig(ctx, host)
	if err != nil {
		return "", err
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if args.TimeoutSec > 0 {
		timeout = time.Duration(args.TimeoutSec) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := t.dial
	if dial == nil {
		dial = dialSSH
	}
	client, err := dial(runCtx, host.Addr, cfg)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", args.Host, err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(args.Command) }()

	select {
	case <-runCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		client.Close()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return formatExec(stdout.String(), stderr.String(), -1), fmt.Errorf("command timed out after %s", timeout)
		}
		return "", runCtx.Err()
	case runErr := <-done:
		var exitErr *ssh.ExitError
		switch {
		case runErr == nil:
			return formatExec(stdout.String(), stderr.String(), 0), nil
		case errors.As(runErr, &exitErr):
			code := exitErr.ExitStatus()
			return formatExec(stdout.String(), stderr.String(), code), fmt.Errorf("exit status %d", code)
		default:
			return formatExec(stdout.String(), stderr.String(), -1), fmt.Errorf("ssh run: %w", runErr)
		}
	}
}

// clientConfig builds auth from the owner's credentials. Decrypted
// fields never leave this function except inside the ssh config.
func (t *SSHTool) clientConfig(ctx context.Context, host SSHHost) (*ssh.ClientConfig, error) {
	res, ok := credentials.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("ssh: %w", credentials.ErrNotConfigured)
	}
	fields, found, err := res.Get(ctx, SSHConnector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("ssh: %w", credentials.ErrNotConfigured)
	}

	user := fields["username"]
	if user == "" {
		user = host.User
	}
	if user == "" {
		return nil, errors.New("ssh: no username configured")
	}

	var auth []ssh.AuthMethod
	if key := fields["private_key"]; key != "" {
		var signer ssh.Signer
		if pass := fields["passphrase"]; pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, errors.New("ssh: private key could not be parsed")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pw := fields["password"]; pw != "" {
		auth = append(auth, ssh.Password(pw))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: credentials hold neither private_key nor password")
	}

	hostKeyCallback, err := host.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}, nil
}

func (h SSHHost) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if h.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(h.HostKey))
		if err != nil {
			return nil, fmt.Errorf("ssh: parse host key for %s: %w", h.Addr, err)
		}
		return ssh.FixedHostKey(pub), nil
	}
	if h.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, fmt.Errorf("ssh: host %s has no host_key pinned", h.Addr)
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
