// Package mailpoll implements an IMAP mailbox poller that publishes one
// bus event per new message. It tracks a UID high-water mark in memory
// so a message is never reported twice across poll cycles, and
// reconnects lazily whenever the IMAP connection goes stale.
package mailpoll

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// EventTag is the bus tag published for every newly observed message.
const EventTag bus.EventType = "mail.received"

// Poller is a Publisher that polls one IMAP mailbox on an interval,
// publishing EventTag for every message newer than its high-water mark.
type Poller struct {
	*component.Base

	cfg config.MailConfig

	mu        sync.Mutex
	client    *imapclient.Client
	highWater uint32
	seeded    bool
}

// New builds a Poller. The IMAP connection is established lazily on
// the first poll, not in New.
func New(id string, cfg config.MailConfig, logger *slog.Logger) *Poller {
	return &Poller{
		Base: component.NewBase(id, "mailpoll.Poller", logger),
		cfg:  cfg,
	}
}

// Run polls on cfg.PollInterval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// Shutdown closes the IMAP connection, if one is open.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *Poller) pollOnce(ctx context.Context) {
	envelopes, err := p.listSince(ctx)
	if err != nil {
		p.Logger.Warn("mail poll failed", "mailbox", p.cfg.Mailbox, "error", err)
		return
	}
	for _, env := range envelopes {
		p.Publish(bus.NewEvent(EventTag, p.ID, map[string]any{
			"mailbox": p.cfg.Mailbox,
			"uid":     env.UID,
			"from":    env.From,
			"subject": env.Subject,
			"date":    env.Date,
		}))
	}
}

// listSince ensures a live connection, searches for messages with UIDs
// above the stored high-water mark, returns only envelopes whose UID is
// above the mark, and advances the mark to the highest of them.
func (p *Poller) listSince(ctx context.Context) ([]envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	mailbox := p.cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := p.client.Select(mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("mailpoll: select %s: %w", mailbox, err)
	}

	if !p.seeded {
		return p.seedLocked(mailbox)
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(p.highWater + 1), Stop: 0}}},
	}
	searchData, err := p.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("mailpoll: search %s: %w", mailbox, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	envelopes, err := p.fetchLocked(uids)
	if err != nil {
		return nil, err
	}
	// A UID range "N:*" always matches the last message, even when N is
	// above every UID in the mailbox, so drop anything already reported.
	var fresh []envelope
	for _, env := range envelopes {
		if env.UID > p.highWater {
			fresh = append(fresh, env)
		}
	}
	for _, env := range fresh {
		if env.UID > p.highWater {
			p.highWater = env.UID
		}
	}
	return fresh, nil
}

// seedLocked records the current highest UID without reporting it as
// new. This prevents flooding a fresh deployment with the entire
// mailbox as a wall of "new" events. Caller must hold p.mu.
func (p *Poller) seedLocked(mailbox string) ([]envelope, error) {
	searchData, err := p.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("mailpoll: seed search %s: %w", mailbox, err)
	}
	uids := searchData.AllUIDs()
	p.seeded = true
	if len(uids) == 0 {
		return nil, nil
	}
	var highest uint32
	for _, u := range uids {
		if uint32(u) > highest {
			highest = uint32(u)
		}
	}
	p.highWater = highest
	p.Logger.Info("mail poll seeded high-water mark", "mailbox", mailbox, "uid", highest)
	return nil, nil
}

type envelope struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
}

// fetchLocked fetches envelope metadata for uids, in the order the
// server returns them. Caller
// must hold p.mu and have a folder selected.
func (p *Poller) fetchLocked(uids []imap.UID) ([]envelope, error) {
	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}

	fetchCmd := p.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Envelope: true})
	var envelopes []envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, ok := parseEnvelope(msg)
		if ok {
			envelopes = append(envelopes, env)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("mailpoll: fetch: %w", err)
	}
	return envelopes, nil
}

func parseEnvelope(msg *imapclient.FetchMessageData) (envelope, bool) {
	var env envelope
	var haveUID bool
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
			haveUID = true
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					addr := data.Envelope.From[0]
					if addr.Name != "" {
						env.From = fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
					} else {
						env.From = addr.Addr()
					}
				}
			}
		}
	}
	return env, haveUID
}

// ensureConnectedLocked dials and logs in if there is no live
// connection, or the existing one fails a NOOP liveness check. Caller
// must hold p.mu.
func (p *Poller) ensureConnectedLocked() error {
	if p.client != nil {
		if err := p.client.Noop().Wait(); err == nil {
			return nil
		}
		p.Logger.Debug("IMAP connection stale, reconnecting", "host", p.cfg.Host)
		_ = p.client.Close()
		p.client = nil
	}

	addr := net.JoinHostPort(p.cfg.Host, fmt.Sprintf("%d", p.cfg.Port))
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: p.cfg.Host}}

	client, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return fmt.Errorf("mailpoll: dial %s: %w", addr, err)
	}
	if err := client.Login(p.cfg.Username, p.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("mailpoll: login as %s: %w", p.cfg.Username, err)
	}
	p.client = client
	p.Logger.Info("IMAP connected", "host", p.cfg.Host, "user", p.cfg.Username)
	return nil
}
