package dataset

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHSource streams a recording kept on a remote acquisition host.
type SSHSource struct {
	Host     string
	User     string
	Password string
	KeyPath  string
	Port     int
	Path     string
}

func (s SSHSource) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d%s", s.user(), s.Host, s.port(), s.Path)
}

func (s SSHSource) user() string {
	if s.User == "" {
		return "root"
	}
	return s.User
}

func (s SSHSource) port() int {
	if s.Port == 0 {
		return 22
	}
	return s.Port
}

// Open dials the host and returns the stdout of `cat <path>`.
func (s SSHSource) Open(ctx context.Context) (io.ReadCloser, error) {
	auth := []ssh.AuthMethod{}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}
	if s.KeyPath != "" {
		key, err := os.ReadFile(s.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            s.user(),
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.port())
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	if err := session.Start("cat " + shellQuote(s.Path)); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start remote read: %w", err)
	}
	return &sshReader{r: stdout, session: session, client: client}, nil
}

type sshReader struct {
	r       io.Reader
	session *ssh.Session
	client  *ssh.Client
}

func (r *sshReader) Read(p []byte) (int, error) { return r.r.Read(p) }

// Close waits for the remote command so a failed cat surfaces as an error.
func (r *sshReader) Close() error {
	waitErr := r.session.Wait()
	r.session.Close()
	r.client.Close()
	if waitErr != nil {
		return fmt.Errorf("remote read: %w", waitErr)
	}
	return nil
}

// shellQuote wraps a value in single quotes with embedded quotes escaped.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
