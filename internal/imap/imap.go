package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/firefart/dmarcanalyzer/internal/config"
	"github.com/firefart/dmarcanalyzer/internal/dmarc"
)

// ErrNoBody is returned by Fetch if the server did not return a message body.
// The message is skipped as unreadable.
var ErrNoBody = fmt.Errorf("%w: server didn't return message body", dmarc.ErrUnreadableMessage)

// Mailbox is an authenticated IMAP session working on one selected folder.
type Mailbox struct {
	c      *client.Client
	logger *slog.Logger
}

// Dial connects to the server. With SSL disabled the connection is upgraded
// with STARTTLS if the server supports it.
func Dial(conf config.IMAPConfig, logger *slog.Logger) (*client.Client, error) {
	tlsConfig := tls.Config{} // nolint: gosec
	if conf.IgnoreCert {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	errorLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)
	if conf.SSL {
		c, err := client.DialTLS(conf.Host, &tlsConfig)
		if err != nil {
			return nil, err
		}
		c.Timeout = conf.Timeout.Duration
		c.ErrorLog = errorLog
		return c, nil
	}
	c, err := client.Dial(conf.Host)
	if err != nil {
		return nil, err
	}
	c.ErrorLog = errorLog
	c.Timeout = conf.Timeout.Duration
	support, err := c.SupportStartTLS()
	if err != nil {
		return nil, err
	}
	if support {
		if err := c.StartTLS(&tlsConfig); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Connect dials the server and authenticates. If oauth is configured an
// access token is requested with the client credentials flow and used for
// an OAUTHBEARER login, otherwise a plain LOGIN is issued.
func Connect(ctx context.Context, conf config.IMAPConfig, logger *slog.Logger) (*Mailbox, error) {
	c, err := Dial(conf, logger)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", conf.Host, err)
	}
	logger.Debug("connected to imap server", "host", conf.Host)

	if conf.OAuth.Enabled() {
		cc := clientcredentials.Config{
			ClientID:     conf.OAuth.ClientID,
			ClientSecret: conf.OAuth.ClientSecret,
			TokenURL:     conf.OAuth.TokenURL,
			Scopes:       conf.OAuth.Scopes,
		}
		token, err := cc.Token(ctx)
		if err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("could not get oauth token: %w", err)
		}
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: conf.User,
			Token:    token.AccessToken,
		})
		if err := c.Authenticate(auth); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("could not authenticate: %w", err)
		}
	} else if err := c.Login(conf.User, conf.Pass); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("could not login: %w", err)
	}

	logger.Debug("successful login", "user", conf.User)

	return &Mailbox{c: c, logger: logger}, nil
}

func HasImapFolder(c *client.Client, folderName string) (bool, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	hasFolder := false
	for m := range mailboxes {
		if m.Name == folderName {
			hasFolder = true
			// keep draining so List can return
		}
	}

	if err := <-done; err != nil {
		return false, err
	}

	return hasFolder, nil
}

func MarkMessageAsDeleted(c *client.Client, msgUID uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := c.UidStore(seq, item, flags, nil); err != nil {
		return err
	}
	return nil
}

// Select opens the folder read-write and returns the number of messages in it.
func (m *Mailbox) Select(folder string) (uint32, error) {
	hasFolder, err := HasImapFolder(m.c, folder)
	if err != nil {
		return 0, fmt.Errorf("could not check if folder %s exists: %w", folder, err)
	}
	if !hasFolder {
		return 0, fmt.Errorf("imap folder %s not found in account", folder)
	}

	mbox, err := m.c.Select(folder, false)
	if err != nil {
		return 0, fmt.Errorf("could not select folder %s: %w", folder, err)
	}
	m.logger.Info("opened folder", "folder", mbox.Name, "messages", mbox.Messages, "unseen", mbox.Unseen)
	return mbox.Messages, nil
}

// EnsureFolder creates the folder if it does not exist yet.
func (m *Mailbox) EnsureFolder(folder string) error {
	hasFolder, err := HasImapFolder(m.c, folder)
	if err != nil {
		return fmt.Errorf("could not check if folder %s exists: %w", folder, err)
	}
	if hasFolder {
		return nil
	}
	m.logger.Info("creating folder", "folder", folder)
	if err := m.c.Create(folder); err != nil {
		return fmt.Errorf("could not create folder %s: %w", folder, err)
	}
	return nil
}

// List returns the UIDs of all messages in the selected folder that are not
// flagged as deleted, in mailbox order.
func (m *Mailbox) List() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not search for mails: %w", err)
	}
	m.logger.Debug("found mails without the DELETED flag", "count", len(uids))
	return uids, nil
}

// Fetch returns the full raw message without setting the \Seen flag.
func (m *Mailbox) Fetch(uid uint32) ([]byte, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	var body []byte
	var readErr error
	found := false
	for msg := range messages {
		if found {
			continue
		}
		found = true
		r := msg.GetBody(section)
		if r == nil {
			readErr = ErrNoBody
			continue
		}
		body, readErr = io.ReadAll(r)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("error on fetch of message %d: %w", uid, err)
	}
	if !found {
		return nil, fmt.Errorf("message %d: %w", uid, ErrNoBody)
	}
	if readErr != nil {
		return nil, fmt.Errorf("message %d: %w", uid, readErr)
	}
	return body, nil
}

// Move copies the message into folder and flags the original as deleted. The
// original is removed on the next Expunge.
func (m *Mailbox) Move(uid uint32, folder string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := m.c.UidCopy(seqset, folder); err != nil {
		return fmt.Errorf("could not copy message %d to %s: %w", uid, folder, err)
	}
	if err := MarkMessageAsDeleted(m.c, uid); err != nil {
		return fmt.Errorf("could not set delete flag on message %d: %w", uid, err)
	}
	return nil
}

// Expunge permanently removes all messages flagged as deleted.
func (m *Mailbox) Expunge() error {
	m.logger.Info("running expunge command (delete all marked messages)")
	if err := m.c.Expunge(nil); err != nil {
		return fmt.Errorf("could not expunge: %w", err)
	}
	return nil
}

func (m *Mailbox) Logout() error {
	return m.c.Logout()
}
