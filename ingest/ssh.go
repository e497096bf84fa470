package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"vigilant/core"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var referencePrefixes = []string{"env:", "file:", "vault:", "aws:"}

func isReference(s string) bool {
	for _, p := range referencePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

type sshDialer struct {
	cfg      Config
	creds    CredentialResolver
	logger   *zap.SugaredLogger
	warnOnce sync.Once
}

func newSSHDialer(cfg Config, creds CredentialResolver, logger *zap.SugaredLogger) *sshDialer {
	return &sshDialer{cfg: cfg, creds: creds, logger: logger}
}

func (d *sshDialer) dial(ctx context.Context, server *core.Server, password string) (commandRunner, error) {
	auth, err := d.authMethods(ctx, server, password)
	if err != nil {
		return nil, core.NewFetchError(server.Name, "", core.ErrAuthentication, err)
	}
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, core.NewFetchError(server.Name, "", core.ErrConfig, err)
	}

	config := &ssh.ClientConfig{
		User:            server.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.ConnectTimeout,
	}

	addr := server.Address()
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, core.NewFetchError(server.Name, "", classifyNetError(dialCtx, err), err)
	}

	// The handshake is bounded by the connect timeout and aborted by ctx
	_ = conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stopped := stop()
	if err != nil {
		_ = conn.Close()
		return nil, core.NewFetchError(server.Name, "", classifyHandshakeError(dialCtx, err), err)
	}
	if !stopped {
		_ = c.Close()
		return nil, core.NewFetchError(server.Name, "", classifyNetError(dialCtx, dialCtx.Err()), dialCtx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshRunner{
		server:      server.Name,
		client:      ssh.NewClient(c, chans, reqs),
		readTimeout: d.cfg.ReadTimeout,
	}, nil
}

// authMethods offers public key, password and keyboard-interactive in that order
func (d *sshDialer) authMethods(ctx context.Context, server *core.Server, password string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if server.PrivateKeyPath != "" {
		key, err := d.loadKey(ctx, server.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(key)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(password))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if password != "" {
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if len(methods) == 0 {
		return nil, errors.New("no credentials configured")
	}
	return methods, nil
}

func (d *sshDialer) loadKey(ctx context.Context, path string) ([]byte, error) {
	if isReference(path) && d.creds != nil {
		key, err := d.creds.Resolve(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolve private key: %w", err)
		}
		return []byte(key), nil
	}
	key, err := os.ReadFile(path) // #nosec G304 - key path comes from the server definition
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return key, nil
}

func (d *sshDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(d.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", d.cfg.KnownHostsPath, err)
		}
		return cb, nil
	}
	d.warnOnce.Do(func() {
		d.logger.Warnw("Host keys are not verified; set collection.known_hosts_path to enable verification")
	})
	return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 - opt-in verification via known_hosts_path
}

func classifyNetError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ErrTimeout
	}
	return core.ErrConnection
}

func classifyHandshakeError(ctx context.Context, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return core.ErrAuthentication
	}
	return classifyNetError(ctx, err)
}

// sshRunner runs commands over one SSH connection, one session per command
type sshRunner struct {
	server      string
	client      *ssh.Client
	readTimeout time.Duration
}

func (r *sshRunner) Run(ctx context.Context, cmd string, stdin string) (string, string, int, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", "", 0, core.NewFetchError(r.server, "", core.ErrConnection, fmt.Errorf("open session: %w", err))
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return "", "", 0, core.NewFetchError(r.server, "", core.ErrConnection, err)
	case <-runCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", "", 0, core.NewFetchError(r.server, "", core.ErrTimeout, fmt.Errorf("command exceeded %s", r.readTimeout))
		}
		return "", "", 0, core.NewFetchError(r.server, "", core.ErrConnection, runCtx.Err())
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
