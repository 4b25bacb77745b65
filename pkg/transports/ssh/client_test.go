package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal build host: exec requests get canned answers
// and the sftp subsystem serves the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{listener: listener, config: config, done: make(chan struct{})}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			status := s.exec(channel, payload.Command)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) exec(channel ssh.Channel, command string) uint32 {
	switch {
	case command == "echo test":
		_, _ = io.WriteString(channel, "test\n")
		return 0
	case strings.HasPrefix(command, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		_, _ = io.WriteString(channel.Stderr(), "failing on purpose\n")
		return uint32(code)
	default:
		_, _ = io.WriteString(channel, "command: "+command+"\n")
		return 0
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func connectTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	config := DefaultConfig("127.0.0.1", "mockbuild")
	config.Port = server.port()
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Fatal("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.User != "mockbuild" {
		t.Errorf("expected user 'mockbuild', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("unexpected disconnect error: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	config := DefaultConfig("127.0.0.1", "mockbuild")
	config.Port = port
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 2 * time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !transportErr.Temporary() {
		t.Error("expected connection failure to be temporary")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	res, err := client.Run(ctx, "echo test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "test\n" {
		t.Errorf("unexpected result: exit=%d stdout=%q", res.ExitCode, res.Stdout)
	}

	res, err = client.Run(ctx, "exit 3")
	if err != nil {
		t.Fatalf("a non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Stderr != "failing on purpose\n" {
		t.Errorf("unexpected stderr %q", res.Stderr)
	}
}

func TestClientRunNotConnected(t *testing.T) {
	config := DefaultConfig("127.0.0.1", "mockbuild")
	config.PrivateKeyPath = writeTestKey(t)

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("expected error when not connected")
	}
}

func TestClientFileTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "foo-1.0.tar.gz")
	if err := os.WriteFile(local, []byte("tarball"), 0o644); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}

	remoteDir := filepath.Join(t.TempDir(), "task", "SOURCES")
	remote := filepath.Join(remoteDir, "foo-1.0.tar.gz")
	if err := client.UploadFile(ctx, local, remote, 0o600); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, err := client.ReadFile(ctx, remote)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "tarball" {
		t.Errorf("unexpected remote content %q", data)
	}

	if err := os.WriteFile(filepath.Join(remoteDir, "bar.patch"), []byte("patch"), 0o644); err != nil {
		t.Fatalf("failed to write remote file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(remoteDir, "nested"), 0o755); err != nil {
		t.Fatalf("failed to create nested dir: %v", err)
	}

	names, err := client.ListFiles(ctx, remoteDir)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.Join(names, ",") != "bar.patch,foo-1.0.tar.gz" {
		t.Errorf("unexpected listing %v", names)
	}

	downloaded := filepath.Join(t.TempDir(), "out", "bar.patch")
	if err := client.DownloadFile(ctx, filepath.Join(remoteDir, "bar.patch"), downloaded); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	got, err := os.ReadFile(downloaded)
	if err != nil {
		t.Fatalf("failed to read download: %v", err)
	}
	if string(got) != "patch" {
		t.Errorf("unexpected downloaded content %q", got)
	}
}

func TestClientConnectBadKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig("127.0.0.1", "mockbuild")
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !transportErr.Auth() || transportErr.Temporary() {
		t.Errorf("expected a permanent auth error, got %+v", transportErr)
	}
}
