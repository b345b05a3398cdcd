/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Nopea

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package collab is the client half of the bespoke length-prefixed protocol
spoken to the external Git collaborator process over a Unix domain socket.
The wire format (a "op"-tagged JSON request, an {"ok": ...}/{"err": ...}
JSON response, each length-prefixed) is grounded directly on the
collaborator's own protocol definition; base64 encoding of file contents
matches the collaborator's use of the standard base64 alphabet.

Process-exit of the collaborator is detected in two places. A read
returning io.EOF/io.ErrUnexpectedEOF mid-request (or a failed write) fails
the current call with ErrCollaboratorCrashed and drops the connection, so
the next call dials afresh. A dial failure respawns the subprocess and
redials once within the same call; that call fails with
ErrCollaboratorCrashed only if the respawn or the redial fails.
*/
package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nopea-io/gitops-reconciler/internal/gitops"
	"github.com/nopea-io/gitops-reconciler/internal/metrics"
)

// Client dials a Unix domain socket to talk to the collaborator process,
// and can respawn it transparently after a crash.
type Client struct {
	SocketPath string
	// Spawn starts (or restarts) the collaborator subprocess. Nil means the
	// collaborator is managed externally and Client never spawns it.
	Spawn func(ctx context.Context) (*exec.Cmd, error)
	Log   logr.Logger
	// DialTimeout bounds one connect: the first dial and, after a respawn,
	// the redial share it. Zero means 5s.
	DialTimeout time.Duration

	mu      sync.Mutex // serializes requests: one in flight at a time
	conn    net.Conn
	process *exec.Cmd
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 5 * time.Second
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", c.SocketPath)
	if err != nil {
		if respawnErr := c.respawn(ctx); respawnErr != nil {
			return nil, fmt.Errorf("%w: dial failed and respawn failed: %v", gitops.ErrCollaboratorCrashed, respawnErr)
		}
		conn, err = d.DialContext(dialCtx, "unix", c.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gitops.ErrCollaboratorCrashed, err)
		}
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) respawn(ctx context.Context) error {
	if c.Spawn == nil {
		return errors.New("no spawn function configured")
	}
	if c.process != nil {
		_ = c.process.Process.Kill()
	}
	cmd, err := c.Spawn(ctx)
	if err != nil {
		return err
	}
	c.process = cmd
	metrics.CollaboratorRespawnsTotal.Add(ctx, 1)
	c.Log.Info("respawned git collaborator process")
	return nil
}

// call sends one request and returns the decoded ok payload, serialized
// against concurrent callers.
func (c *Client) call(ctx context.Context, req request) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, req); err != nil {
		c.closeAfterFailure()
		return nil, fmt.Errorf("%w: write failed: %v", gitops.ErrCollaboratorCrashed, err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		c.closeAfterFailure()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", gitops.ErrCollaboratorCrashed, err)
		}
		return nil, err
	}

	var resp rawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("git collaborator: %s", *resp.Err)
	}
	return resp.Ok, nil
}

func (c *Client) closeAfterFailure() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Sync(ctx context.Context, url, branch, path string, depth int) (string, error) {
	if depth <= 0 {
		depth = 1
	}
	ok, err := c.call(ctx, request{Op: "sync", URL: url, Branch: branch, Path: path, Depth: depth})
	if err != nil {
		return "", err
	}
	var sha string
	if err := json.Unmarshal(ok, &sha); err != nil {
		return "", fmt.Errorf("decode sync result: %w", err)
	}
	return sha, nil
}

func (c *Client) Files(ctx context.Context, path, subpath string) ([]string, error) {
	ok, err := c.call(ctx, request{Op: "files", Path: path, Subpath: subpath})
	if err != nil {
		return nil, err
	}
	var files []string
	if err := json.Unmarshal(ok, &files); err != nil {
		return nil, fmt.Errorf("decode files result: %w", err)
	}
	return files, nil
}

func (c *Client) Read(ctx context.Context, path, file string) ([]byte, error) {
	ok, err := c.call(ctx, request{Op: "read", Path: path, File: file})
	if err != nil {
		return nil, err
	}
	var encoded string
	if err := json.Unmarshal(ok, &encoded); err != nil {
		return nil, fmt.Errorf("decode read result: %w", err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (c *Client) Head(ctx context.Context, path string) (gitops.CommitInfo, error) {
	ok, err := c.call(ctx, request{Op: "head", Path: path})
	if err != nil {
		return gitops.CommitInfo{}, err
	}
	var wire commitInfoWire
	if err := json.Unmarshal(ok, &wire); err != nil {
		return gitops.CommitInfo{}, fmt.Errorf("decode head result: %w", err)
	}
	return gitops.CommitInfo{
		SHA:       wire.SHA,
		Author:    wire.Author,
		Email:     wire.Email,
		Message:   wire.Message,
		Timestamp: time.Unix(wire.Timestamp, 0).UTC(),
	}, nil
}

func (c *Client) Checkout(ctx context.Context, path, sha string) (string, error) {
	ok, err := c.call(ctx, request{Op: "checkout", Path: path, SHA: sha})
	if err != nil {
		return "", err
	}
	var result string
	if err := json.Unmarshal(ok, &result); err != nil {
		return "", fmt.Errorf("decode checkout result: %w", err)
	}
	return result, nil
}

func (c *Client) LsRemote(ctx context.Context, url, branch string) (string, error) {
	ok, err := c.call(ctx, request{Op: "lsremote", URL: url, Branch: branch})
	if err != nil {
		return "", err
	}
	var sha string
	if err := json.Unmarshal(ok, &sha); err != nil {
		return "", fmt.Errorf("decode lsremote result: %w", err)
	}
	return sha, nil
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeAfterFailure()
	return nil
}

var _ gitops.GitOps = (*Client)(nil)
