package sshtransport

import (
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// channel adapts one SSH session's stdin/stdout pipes to the
// io.Reader/io.Writer pair rpc/client.Conn requires, the same way
// mantle/kola/cluster's SSH helpers drive a remote command over a
// session (cluster.go's RunNative), generalized here from
// request/response CombinedOutput to a long-lived bidirectional
// stream.
type channel struct {
	stdin  io.WriteCloser
	stdout io.Reader
}

func (c *channel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *channel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// OpenChannel starts remoteCommand (the worker's forced RPC command)
// on client and returns an io.ReadWriter bound to its stdin/stdout,
// plus a close func that releases the session.
func OpenChannel(client *ssh.Client, remoteCommand string) (io.ReadWriter, func() error, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.Transport, err, "open SSH session")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, errkind.Wrap(errkind.Transport, err, "open session stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, errkind.Wrap(errkind.Transport, err, "open session stdout")
	}

	if err := session.Start(remoteCommand); err != nil {
		session.Close()
		return nil, nil, errkind.Wrap(errkind.Transport, err, "start remote command")
	}

	return &channel{stdin: stdin, stdout: stdout}, session.Close, nil
}
