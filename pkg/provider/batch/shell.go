package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer/sftp"
	"golang.org/x/crypto/ssh"
)

// Shell runs commands on the login node of a compute host.
type Shell interface {
	// Run executes command with stdin attached and returns its standard output.
	Run(ctx context.Context, command string, stdin io.Reader) (string, error)
	Close() error
}

// Dialer opens a shell on the host of an execution context.
type Dialer func(ctx context.Context, ectx *models.ExecutionContext) (Shell, error)

// SSHDialer logs into the host endpoint with the task credential.
func SSHDialer(ctx context.Context, ectx *models.ExecutionContext) (Shell, error) {
	client, err := sftp.Dial(ctx, ectx.HostEndpoint.Host, ectx.HostEndpoint.Port, ectx.Credential, ectx.HostEndpoint.Properties)
	if err != nil {
		return nil, err
	}

	return &sshShell{client: client}, nil
}

type sshShell struct {
	client *ssh.Client
}

func (s *sshShell) Run(ctx context.Context, command string, stdin io.Reader) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer

	session.Stdout = &stdout
	session.Stderr = &stderr

	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)

	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done

		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%q failed: %w: %s", command, err, strings.TrimSpace(stderr.String()))
		}
	}

	return stdout.String(), nil
}

func (s *sshShell) Close() error {
	return s.client.Close()
}
