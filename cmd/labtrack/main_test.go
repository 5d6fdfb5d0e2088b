package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labtrack/labtrack/internal/domain/exam"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/internal/platform/websocket"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := map[string][]string{
		"serve":   nil,
		"migrate": {"up", "status"},
		"lab":     {"create"},
		"qr":      {"encode", "decode"},
	}
	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered", name)
		}
		for _, sub := range subs {
			c, _, err := root.Find([]string{name, sub})
			if err != nil || c.Name() != sub {
				t.Errorf("command %q %q not registered", name, sub)
			}
		}
	}
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQRCmd_EncodeThenDecode(t *testing.T) {
	id := uuid.New().String()
	out, err := runCmd(t, "qr", "encode", "--id", id, "--exam-type", "CBC", "--patient", "Ana Souza", "--priority", "urgent")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := strings.TrimSpace(out)

	p, err := exam.DecodeQRPayload(text)
	if err != nil {
		t.Fatalf("encoded text does not decode: %v", err)
	}
	if p.ID != id || p.PatientName != "Ana Souza" || p.Priority != "urgent" {
		t.Errorf("unexpected payload %+v", p)
	}

	out, err = runCmd(t, "qr", "decode", text)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out, "Ana Souza") || !strings.Contains(out, id) {
		t.Errorf("decode output missing fields: %q", out)
	}
}

func TestQRCmd_EncodeMissingField(t *testing.T) {
	_, err := runCmd(t, "qr", "encode", "--id", uuid.New().String(), "--exam-type", "CBC")
	if !errors.Is(err, exam.ErrMalformedPayload) {
		t.Errorf("expected malformed payload error, got %v", err)
	}
}

func TestQRCmd_DecodeMalformed(t *testing.T) {
	_, err := runCmd(t, "qr", "decode", "not json")
	if !errors.Is(err, exam.ErrMalformedPayload) {
		t.Errorf("expected malformed payload error, got %v", err)
	}
}

func TestQRCmd_EncodePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label.png")
	_, err := runCmd(t, "qr", "encode", "--id", uuid.New().String(), "--exam-type", "CBC",
		"--patient", "Ana Souza", "--png", path, "--size", "128")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}
}

func TestHubPublisher_FansOutToExamAndActivity(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	examID := uuid.New()

	examClient := websocket.NewClient(4)
	examClient.Topics = []string{websocket.ExamTopic(examID)}
	hub.Register(examClient)

	feedClient := websocket.NewClient(4)
	feedClient.Topics = []string{websocket.ActivityTopic}
	hub.Register(feedClient)

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	err := newHubPublisher(hub).PublishTransition(context.Background(), exam.TransitionEvent{
		Type:      exam.EventTransition,
		ExamID:    examID,
		Status:    exam.StatusInAnalysis,
		Previous:  exam.StatusSentToLab,
		Principal: "tech-1",
		At:        at,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, tc := range []struct {
		client *websocket.Client
		topic  string
	}{
		{examClient, websocket.ExamTopic(examID)},
		{feedClient, websocket.ActivityTopic},
	} {
		select {
		case raw := <-tc.client.Send:
			var ev websocket.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if ev.Type != exam.EventTransition || ev.Topic != tc.topic || ev.ExamID != examID.String() {
				t.Errorf("unexpected event %+v", ev)
			}
			if !ev.Timestamp.Equal(at) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, at)
			}
			var data exam.TransitionEvent
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if data.Status != exam.StatusInAnalysis || data.Principal != "tech-1" {
				t.Errorf("unexpected data %+v", data)
			}
		default:
			t.Errorf("client on %s received nothing", tc.topic)
		}
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) PublishTransition(context.Context, exam.TransitionEvent) error {
	return f.err
}

type countingPublisher struct{ n int }

func (c *countingPublisher) PublishTransition(context.Context, exam.TransitionEvent) error {
	c.n++
	return nil
}

func TestFanoutPublisher_CallsAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingPublisher{}
	fan := fanoutPublisher{failingPublisher{err: boom}, counter}

	err := fan.PublishTransition(context.Background(), exam.TransitionEvent{Type: exam.EventUndo})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if counter.n != 1 {
		t.Errorf("expected later publishers to still run, got %d calls", counter.n)
	}
}

func TestWebhookPublisher_EventType(t *testing.T) {
	bodies := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
	}))
	defer ts.Close()

	eps, err := webhook.ParseEndpoints([]string{ts.URL}, "secret", []string{"undo.*"})
	if err != nil {
		t.Fatalf("parse endpoints: %v", err)
	}
	notifier := webhook.NewNotifier(eps, zerolog.Nop(), webhook.WithHTTPClient(ts.Client()))
	pub := &webhookPublisher{notifier: notifier}

	examID := uuid.New()
	err = pub.PublishTransition(context.Background(), exam.TransitionEvent{
		Type:   exam.EventUndo,
		ExamID: examID,
		Status: exam.StatusSentToLab,
		At:     time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	notifier.Wait()

	select {
	case b := <-bodies:
		var ev webhook.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "undo.sent_to_lab" || ev.ExamID != examID.String() {
			t.Errorf("unexpected webhook event %+v", ev)
		}
	default:
		t.Fatal("receiver got nothing")
	}
}
