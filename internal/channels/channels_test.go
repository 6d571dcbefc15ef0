package channels

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/notify"
)

type fakeChannel struct {
	id       string
	startErr error
	log      *[]string
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start "+f.id)
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	*f.log = append(*f.log, "stop "+f.id)
	return nil
}

func (f *fakeChannel) Send(context.Context, string, string) error { return nil }

type fakeRegistrar struct{ names []string }

func (r *fakeRegistrar) RegisterChannel(name string, _ notify.Sender) {
	r.names = append(r.names, name)
}

func TestManagerStartStop(t *testing.T) {
	logging.Disable()
	var log []string
	reg := &fakeRegistrar{}
	m := NewManager()

	m.Start(context.Background(), reg,
		&fakeChannel{id: "telegram", log: &log},
		&fakeChannel{id: "broken", startErr: errors.New("no token"), log: &log},
		&fakeChannel{id: "mqtt", log: &log},
	)

	if got := strings.Join(m.Started(), ","); got != "telegram,mqtt" {
		t.Errorf("started = %s", got)
	}
	if got := strings.Join(reg.names, ","); got != "telegram,mqtt" {
		t.Errorf("registered = %s", got)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := "start telegram,start mqtt,stop mqtt,stop telegram"
	if got := strings.Join(log, ","); got != want {
		t.Errorf("log = %s, want %s", got, want)
	}
	if len(m.Started()) != 0 {
		t.Error("channels still listed after Stop")
	}
}

func TestSplit(t *testing.T) {
	if got := Split("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %q", got)
	}
	if got := Split("   ", 10); len(got) != 0 {
		t.Errorf("blank = %q", got)
	}

	text := strings.Repeat("word ", 30) + "\n\n" + strings.Repeat("next ", 30)
	chunks := Split(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk of %d runes exceeds limit", n)
		}
		if strings.HasPrefix(c, "\n") {
			t.Errorf("chunk starts with newline: %q", c)
		}
	}

	// multi-byte runes are never cut in half
	for _, c := range Split(strings.Repeat("ü", 250), 100) {
		if !utf8.ValidString(c) {
			t.Errorf("invalid utf8 chunk %q", c)
		}
	}
}
