package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

const previewLimit = 400

// IMAPSource reads one account's inbox over IMAP. Entity ids are message
// UIDs in the configured mailbox.
type IMAPSource struct {
	account config.IMAPAccount
	dial    func(addr string) (*client.Client, error)
	logger  *slog.Logger
}

func NewIMAPSource(account config.IMAPAccount) *IMAPSource {
	return &IMAPSource{
		account: account,
		dial: func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, nil)
		},
		logger: slog.Default().With("component", "imap", "account", account.Name),
	}
}

func (s *IMAPSource) Name() string        { return s.account.Name }
func (s *IMAPSource) Kind() domain.Source { return domain.SourceMail }

// session dials, logs in and selects the inbox. The caller must log out.
func (s *IMAPSource) session(ctx context.Context, readOnly bool) (*client.Client, *imap.MailboxStatus, error) {
	c, err := s.dial(s.account.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", s.account.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}
	if err := c.Login(s.account.Username, s.account.Password); err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("login: %w", err)
	}
	mbox, err := c.Select(s.account.Mailbox, readOnly)
	if err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("select %s: %w", s.account.Mailbox, err)
	}
	return c, mbox, nil
}

// Fetch returns the newest messages in the mailbox without marking them seen.
func (s *IMAPSource) Fetch(ctx context.Context, limit int) ([]domain.InboxItem, error) {
	c, mbox, err := s.session(ctx, true)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if mbox.Messages == 0 {
		return nil, nil
	}
	window := uint32(s.account.FetchWindow)
	if limit > 0 && uint32(limit) < window {
		window = uint32(limit)
	}
	from := uint32(1)
	if mbox.Messages > window {
		from = mbox.Messages - window + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var out []domain.InboxItem
	for msg := range messages {
		var body io.Reader
		if lit := msg.GetBody(section); lit != nil {
			body = lit
		}
		out = append(out, s.itemFromMessage(msg, body))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

func (s *IMAPSource) itemFromMessage(msg *imap.Message, body io.Reader) domain.InboxItem {
	item := domain.InboxItem{
		Source:    domain.SourceMail,
		AccountID: s.account.Name,
		ItemID:    strconv.FormatUint(uint64(msg.Uid), 10),
		Unread:    true,
	}
	for _, f := range msg.Flags {
		if f == imap.SeenFlag {
			item.Unread = false
		}
	}
	if env := msg.Envelope; env != nil {
		item.Subject = env.Subject
		item.Timestamp = env.Date
		if len(env.From) > 0 && env.From[0] != nil {
			item.Sender = formatAddress(env.From[0])
		}
	}
	if body != nil {
		preview, err := Preview(body)
		if err != nil {
			s.logger.Debug("preview extraction failed", "uid", msg.Uid, "error", err)
		}
		item.Preview = preview
	}
	return item
}

func formatAddress(a *imap.Address) string {
	addr := a.Address()
	if a.PersonalName == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", a.PersonalName, addr)
}

// Preview extracts the first text/plain part of a MIME message, collapsed
// to one line and truncated.
func Preview(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var fallback string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fallback, fmt.Errorf("read part: %w", err)
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(io.LimitReader(part.Body, 64*1024))
		if err != nil {
			return fallback, fmt.Errorf("read body: %w", err)
		}
		switch {
		case ct == "" || strings.HasPrefix(ct, "text/plain"):
			return collapse(string(data)), nil
		case strings.HasPrefix(ct, "text/html") && fallback == "":
			fallback = collapse(stripTags(string(data)))
		}
	}
	return fallback, nil
}

func collapse(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewLimit {
		return string(r[:previewLimit])
	}
	return s
}

func stripTags(s string) string {
	var sb strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
		case r == '>':
			in = false
			sb.WriteRune(' ')
		case !in:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func parseUID(entityID string) (uint32, error) {
	uid, err := strconv.ParseUint(strings.TrimSpace(entityID), 10, 32)
	if err != nil || uid == 0 {
		return 0, domain.NewValidationError("entity_id", fmt.Sprintf("%q is not an IMAP uid", entityID))
	}
	return uint32(uid), nil
}

// Exists reports whether the UID is still present in the mailbox.
func (s *IMAPSource) Exists(ctx context.Context, _ domain.EntityType, entityID string) (bool, error) {
	uid, err := parseUID(entityID)
	if err != nil {
		return false, err
	}
	c, _, err := s.session(ctx, true)
	if err != nil {
		return false, err
	}
	defer c.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddNum(uid)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return false, fmt.Errorf("search uid %d: %w", uid, err)
	}
	return len(uids) > 0, nil
}

// flagChange describes how an action maps onto IMAP flags.
type flagChange struct {
	op    imap.FlagsOp
	flag  string
	purge bool
}

func flagChangeFor(action domain.Action) (flagChange, bool) {
	switch action {
	case domain.ActionDelete:
		return flagChange{op: imap.AddFlags, flag: imap.DeletedFlag, purge: true}, true
	case domain.ActionUndelete:
		return flagChange{op: imap.RemoveFlags, flag: imap.DeletedFlag}, true
	case domain.ActionFlag:
		return flagChange{op: imap.AddFlags, flag: imap.FlaggedFlag}, true
	case domain.ActionUnflag:
		return flagChange{op: imap.RemoveFlags, flag: imap.FlaggedFlag}, true
	case domain.ActionMarkRead:
		return flagChange{op: imap.AddFlags, flag: imap.SeenFlag}, true
	case domain.ActionMarkUnread:
		return flagChange{op: imap.RemoveFlags, flag: imap.SeenFlag}, true
	}
	return flagChange{}, false
}

// Execute applies action to the message. Archive moves it to the archive
// mailbox; unarchive is not supported because the UID changes on move.
func (s *IMAPSource) Execute(ctx context.Context, entityType domain.EntityType, entityID string, action domain.Action) error {
	if !entityType.Allows(action) {
		return domain.NewValidationError("action", fmt.Sprintf("action %q is not allowed for %s", action, entityType))
	}
	if action == domain.ActionIgnore {
		return nil
	}
	uid, err := parseUID(entityID)
	if err != nil {
		return err
	}

	c, _, err := s.session(ctx, false)
	if err != nil {
		return err
	}
	defer c.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	if action == domain.ActionArchive {
		if err := c.UidMove(seqset, s.account.ArchiveMailbox); err != nil {
			return fmt.Errorf("move uid %d to %s: %w", uid, s.account.ArchiveMailbox, err)
		}
		s.logger.Info("message archived", "uid", uid)
		return nil
	}

	change, ok := flagChangeFor(action)
	if !ok {
		return fmt.Errorf("action %s is not supported over IMAP", action)
	}
	item := imap.FormatFlagsOp(change.op, true)
	if err := c.UidStore(seqset, item, []interface{}{change.flag}, nil); err != nil {
		return fmt.Errorf("store %s on uid %d: %w", change.flag, uid, err)
	}
	if change.purge {
		purged, err := purgeUID(uidplus.NewClient(c), seqset)
		if err != nil {
			return fmt.Errorf("expunge uid %d: %w", uid, err)
		}
		if !purged {
			s.logger.Warn("server lacks UIDPLUS, message left flagged deleted", "uid", uid)
		}
	}
	s.logger.Info("message updated", "uid", uid, "action", action)
	return nil
}

type uidExpunger interface {
	SupportUidPlus() (bool, error)
	UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error
}

// purgeUID expunges only the given UIDs. A plain EXPUNGE would also remove
// every other \Deleted message in the mailbox, so without UIDPLUS nothing
// is purged.
func purgeUID(x uidExpunger, seqset *imap.SeqSet) (bool, error) {
	ok, err := x.SupportUidPlus()
	if err != nil {
		return false, fmt.Errorf("check UIDPLUS: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := x.UidExpunge(seqset, nil); err != nil {
		return false, err
	}
	return true, nil
}
