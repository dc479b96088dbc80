package statusdoc

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/carlosmesquita/cmevents-go/internal/broker"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReportIncludesComponentTable(t *testing.T) {
	b := broker.NewBroker(broker.WithAutoDiscover(false), broker.WithLogger(testLogger()))

	pub := &samplePublisher{Base: component.NewBase("pub1", "test.Publisher", testLogger())}
	if err := b.RegisterComponent(pub, pub.ID); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}

	s := New(b, config.StatusConfig{Address: "127.0.0.1", Port: 8090})
	report := s.report()

	if !strings.Contains(report, "pub1") {
		t.Error("report should list the registered component's id")
	}
	if !strings.Contains(report, "## Components") {
		t.Error("report should contain a components section")
	}
	if !strings.Contains(report, "Running: false") {
		t.Error("report should show the broker as not running before Start")
	}
}

type samplePublisher struct {
	*component.Base
}
