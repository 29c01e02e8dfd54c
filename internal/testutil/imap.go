package testutil

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	return s
}

// StartIMAPServer starts an in-memory IMAP server listening on addr. It is
// used outside tests by the local development server.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Dial opens an authenticated client connection to the server.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}
	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return client, nil
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.Dial()
	if err != nil {
		t.Fatal(err)
	}
	return client, func() { _ = client.Logout() }
}

// Create creates a folder for the default user.
func (s *TestIMAPServer) Create(folderName string) error {
	client, err := s.Dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout() }()

	if err := client.Create(folderName); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", folderName, err)
	}
	return nil
}

// CreateFolder creates a folder for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, folderName string) {
	t.Helper()

	if err := s.Create(folderName); err != nil {
		t.Fatal(err)
	}
}

// AddMessage adds a simple plain-text message to the specified folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	// Create a simple RFC 822 message
	messageBody := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	return s.AddRawMessage(t, folderName, []byte(messageBody))
}

// Append appends raw RFC 822 bytes to the folder and returns the UID the
// server assigned.
func (s *TestIMAPServer) Append(folderName string, raw []byte) (uint32, error) {
	client, err := s.Dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout() }()

	// UIDNEXT before the append is the UID the message will get
	status, err := client.Select(folderName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}
	uid := status.UidNext

	flags := []string{imap.SeenFlag}
	if err := client.Append(folderName, flags, time.Now(), bytes.NewReader(raw)); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	return uid, nil
}

// AddRawMessage appends raw RFC 822 bytes to the folder and returns the UID
// the server assigned.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName string, raw []byte) uint32 {
	t.Helper()

	uid, err := s.Append(folderName, raw)
	if err != nil {
		t.Fatal(err)
	}
	return uid
}
