package main

import (
	"context"
	"net"
	"time"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	rpcclient "github.com/paulrobinshaw/rch-xcode/rpc/client"
	"github.com/paulrobinshaw/rch-xcode/selection"
	"github.com/paulrobinshaw/rch-xcode/sshtransport"
)

// sshDialer implements pipeline.WorkerDialer over a real SSH
// connection: one session per worker, running RemoteCommand as its
// forced command, the RPC channel's exec target (spec.md §4.H).
type sshDialer struct {
	RemoteCommand string
	HostRange     protocol.ProtocolRange
	DialTimeout   time.Duration
}

func (d *sshDialer) Dial(ctx context.Context, entry selection.WorkerEntry) (*rpcclient.Client, capabilities.Capabilities, func() error, error) {
	sshClient, err := sshtransport.Dial(&net.Dialer{Timeout: d.DialTimeout}, sshtransport.Config{
		Host:                 entry.Host,
		Port:                 entry.Port,
		User:                 entry.User,
		PrivateKeyPath:       entry.SSHKeyPath,
		KnownHostFingerprint: entry.KnownHostFingerprint,
		Timeout:              d.DialTimeout,
	})
	if err != nil {
		return nil, capabilities.Capabilities{}, nil, err
	}

	conn, closeSession, err := sshtransport.OpenChannel(sshClient, d.RemoteCommand)
	if err != nil {
		sshClient.Close()
		return nil, capabilities.Capabilities{}, nil, err
	}

	client := rpcclient.New(conn, d.HostRange)
	caps, err := client.Bootstrap(ctx)
	if err != nil {
		closeSession()
		sshClient.Close()
		return nil, capabilities.Capabilities{}, nil, errkind.Wrap(errkind.Protocol, err, "bootstrap "+entry.Name)
	}

	closeFn := func() error {
		sessionErr := closeSession()
		clientErr := sshClient.Close()
		if sessionErr != nil {
			return sessionErr
		}
		return clientErr
	}

	return client, caps, closeFn, nil
}
