// Package qrpairing turns a "pairing requested" event into a QR code
// image written to disk — the bus-native analogue of a device handing
// a user a pairing URL to scan.
package qrpairing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// Pairer is a Subscriber that renders a QR code for every event
// arriving on its configured tag, writing the PNG to cfg.OutputDir.
type Pairer struct {
	*component.Base

	cfg config.PairingConfig
}

// New builds a Pairer. cfg.OutputDir is created on Startup if it does
// not already exist.
func New(id string, cfg config.PairingConfig, logger *slog.Logger) *Pairer {
	return &Pairer{
		Base: component.NewBase(id, "qrpairing.Pairer", logger),
		cfg:  cfg,
	}
}

// Startup ensures cfg.OutputDir exists.
func (p *Pairer) Startup(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("qrpairing: create output dir %s: %w", p.cfg.OutputDir, err)
	}
	return nil
}

// SubscribeTo subscribes HandleEvent to tag, matching
// component.Subscriber.
func (p *Pairer) SubscribeTo(tag bus.EventType) {
	p.SubscribeToHandler(tag, bus.AsyncHandlerFunc(p.HandleEvent))
}

// HandleEvent reads a "payload" string from evt (the URL or token to
// encode), renders a QR code PNG, and writes it to OutputDir named
// after the event's source and current time.
func (p *Pairer) HandleEvent(ctx context.Context, evt bus.Event) error {
	payload, ok := evt.Get("payload")
	if !ok {
		return fmt.Errorf("qrpairing: event %s missing payload field", evt.Type)
	}
	text, ok := payload.(string)
	if !ok || text == "" {
		return fmt.Errorf("qrpairing: event %s payload is not a non-empty string", evt.Type)
	}

	png, err := qrcode.Encode(text, qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("qrpairing: encode: %w", err)
	}

	name := fmt.Sprintf("%s-%d.png", sanitize(evt.Source), time.Now().UnixNano())
	path := filepath.Join(p.cfg.OutputDir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("qrpairing: write %s: %w", path, err)
	}

	p.Logger.Info("pairing QR code written", "path", path, "source", evt.Source)
	return nil
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "pairing"
	}
	return string(out)
}
