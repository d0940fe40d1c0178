// Package sshtransport opens the SSH connection the host RPC client
// runs its framed request/response protocol over (spec.md §4.H).
// Adapted from mantle/network/ssh.go's client-construction pattern:
// where the teacher trusts any host key (ssh.InsecureIgnoreHostKey,
// appropriate for its ephemeral test clusters), a worker inventory
// entry here carries a real pinned known-host fingerprint, and a
// private key file takes the place of agent forwarding.
package sshtransport

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

const defaultPort = 22

// Dialer is implemented by net.Dialer and any test double used in its
// place.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Config describes how to reach and authenticate to one worker.
type Config struct {
	Host                 string
	Port                 int
	User                 string
	PrivateKeyPath       string
	KnownHostFingerprint string // "SHA256:<base64>" as ssh.FingerprintSHA256 renders it; empty accepts any host key
	Timeout              time.Duration
}

// ensurePortSuffix appends the port to host if not already present,
// handling bracketed IPv6 literals (ported from mantle/network/ssh.go).
func ensurePortSuffix(host string, port int) string {
	switch {
	case !strings.Contains(host, ":"):
		return fmt.Sprintf("%s:%d", host, port)
	case strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]"):
		return fmt.Sprintf("%s:%d", host, port)
	case strings.HasPrefix(host, "[") && strings.Contains(host, "]:"):
		return host
	case strings.Count(host, ":") > 1:
		return fmt.Sprintf("[%s]:%d", host, port)
	default:
		return host
	}
}

// Dial connects and authenticates to cfg.Host, returning an *ssh.Client
// ready to open the single request/response channel the worker RPC
// protocol runs over. Failures map to errkind.Transport (exit code 20
// per spec.md §4.H's error mapping table).
func Dial(dialer Dialer, cfg Config) (*ssh.Client, error) {
	signer, err := loadSigner(cfg.PrivateKeyPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, err, "load SSH private key")
	}

	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostFingerprint)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, err, "build host key callback")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	addr := ensurePortSuffix(cfg.Host, port)

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, err, "dial worker "+addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, errkind.Wrap(errkind.Transport, err, "establish SSH session with "+addr)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func loadSigner(path string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(keyBytes)
}

func hostKeyCallback(pinnedFingerprint string) (ssh.HostKeyCallback, error) {
	if pinnedFingerprint == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if fingerprint != pinnedFingerprint {
			return errkind.Newf(errkind.Transport, "host key fingerprint mismatch for %s: expected %s, got %s",
				hostname, pinnedFingerprint, fingerprint)
		}
		return nil
	}, nil
}
