// Command test-server runs an in-memory IMAP server seeded with a short
// support conversation, for trying the server and mailsync locally.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/supportmail/internal/logging"
	"github.com/vdavid/supportmail/internal/testutil"
)

const (
	agentAddress    = "support@example.com"
	customerAddress = "marie@customer.example"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:1143", "address for the IMAP server")
	flag.Parse()

	log := logging.New("info", "console", os.Stdout)

	srv, err := testutil.StartIMAPServer(*addr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start IMAP server")
	}
	defer srv.Close()

	if err := seedMailbox(srv, time.Now()); err != nil {
		log.Fatal().Err(err).Msg("failed to seed mailbox")
	}

	printEnv(log, srv)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
}

type seedMessage struct {
	folder string
	raw    string
}

// seedMailbox creates the Sent folder and fills INBOX and Sent with a
// customer question, an agent reply, and a follow-up.
func seedMailbox(srv *testutil.TestIMAPServer, now time.Time) error {
	if err := srv.Create("Sent"); err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}

	messages := []seedMessage{
		{"INBOX", rawMessage("<q1@customer.example>", "", customerAddress, agentAddress,
			"Invoice for March", now.Add(-3*time.Hour), "Hello, I can't find my March invoice.")},
		{"Sent", rawMessage("<r1@example.com>", "<q1@customer.example>", agentAddress, customerAddress,
			"Re: Invoice for March", now.Add(-2*time.Hour), "Hi Marie, it is attached to your account page.")},
		{"INBOX", rawMessage("<q2@customer.example>", "<r1@example.com>", customerAddress, agentAddress,
			"Re: Invoice for March", now.Add(-time.Hour), "Found it, thanks!")},
		{"INBOX", rawMessage("<n1@other.example>", "", "paul@other.example", agentAddress,
			"Password reset", now.Add(-30*time.Minute), "The reset link has expired.")},
	}

	for _, m := range messages {
		if _, err := srv.Append(m.folder, []byte(m.raw)); err != nil {
			return fmt.Errorf("failed to seed %s: %w", m.folder, err)
		}
	}
	return nil
}

func rawMessage(messageID, inReplyTo, from, to, subject string, date time.Time, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\nReferences: %s\r\n", inReplyTo, inReplyTo)
	}
	fmt.Fprintf(&b, "Date: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\n", date.Format(time.RFC1123Z), from, to, subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}

func printEnv(log zerolog.Logger, srv *testutil.TestIMAPServer) {
	host, port, _ := strings.Cut(srv.Address, ":")
	log.Info().Str("address", srv.Address).Msg("test IMAP server ready, press Ctrl+C to stop")
	fmt.Printf("SUPPORTMAIL_IMAP_HOST=%s\n", host)
	fmt.Printf("SUPPORTMAIL_IMAP_PORT=%s\n", port)
	fmt.Println("SUPPORTMAIL_IMAP_TLS=false")
	fmt.Printf("SUPPORTMAIL_IMAP_USERNAME=%s\n", srv.Username())
	fmt.Printf("SUPPORTMAIL_IMAP_PASSWORD=%s\n", srv.Password())
	fmt.Println("SUPPORTMAIL_IMAP_SENT_FOLDER=Sent")
	fmt.Printf("SUPPORTMAIL_AGENT_ADDRESS=%s\n", agentAddress)
	fmt.Println("SUPPORTMAIL_DB_DRIVER=sqlite")
}
