package appstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/seraphbot/model"
)

func TestPushAndDrain(t *testing.T) {
	s := New(Options{})
	if n := s.ProcessPendingMessages(); n != 0 {
		t.Fatalf("drain of empty queue = %d", n)
	}
	s.PushChatMessage(model.ChatMessage{User: "alice", Text: "hi", Color: "#112233"})
	s.PushChatMessage(model.SystemMessage("Chat clear requested"))
	if got := s.PendingMessageCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if len(s.ChatLog()) != 0 {
		t.Fatal("log must not change before the drain")
	}
	if n := s.ProcessPendingMessages(); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if s.PendingMessageCount() != 0 {
		t.Fatal("pending not empty after drain")
	}
	log := s.ChatLog()
	if len(log) != 2 || log[0].User != "alice" || log[1].User != model.SystemUser || log[1].Color != model.SystemColor {
		t.Fatalf("unexpected log %+v", log)
	}
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers, perProducer = 8, 250
	s := New(Options{MaxLog: producers * perProducer})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.PushChatMessage(model.ChatMessage{User: fmt.Sprintf("p%d", p), Text: fmt.Sprint(i)})
			}
		}(p)
	}

	// Drain concurrently like a UI frame loop would.
	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				return
			default:
				s.ProcessPendingMessages()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-drained
	s.ProcessPendingMessages()

	log := s.ChatLog()
	if len(log) != producers*perProducer {
		t.Fatalf("log has %d messages, want %d", len(log), producers*perProducer)
	}
	next := map[string]int{}
	for _, m := range log {
		want := next[m.User]
		if m.Text != fmt.Sprint(want) {
			t.Fatalf("producer %s: got message %s, want %d", m.User, m.Text, want)
		}
		next[m.User] = want + 1
	}
}

func TestLogIsBounded(t *testing.T) {
	s := New(Options{MaxLog: 3})
	for i := 0; i < 5; i++ {
		s.PushChatMessage(model.ChatMessage{Text: fmt.Sprint(i)})
	}
	s.ProcessPendingMessages()
	log := s.ChatLog()
	if len(log) != 3 || log[0].Text != "2" || log[2].Text != "4" {
		t.Fatalf("unexpected bounded log %+v", log)
	}
}

func TestRecentRing(t *testing.T) {
	s := New(Options{Recent: 3})
	if got := s.Recent(10); len(got) != 0 {
		t.Fatalf("Recent on empty = %v", got)
	}
	s.PushChatMessage(model.ChatMessage{Text: "a"})
	s.PushChatMessage(model.ChatMessage{Text: "b"})
	if got := s.Recent(0); len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("Recent before wrap = %+v", got)
	}
	s.PushChatMessage(model.ChatMessage{Text: "c"})
	s.PushChatMessage(model.ChatMessage{Text: "d"})
	got := s.Recent(10)
	if len(got) != 3 || got[0].Text != "b" || got[2].Text != "d" {
		t.Fatalf("Recent after wrap = %+v", got)
	}
	if got := s.Recent(1); len(got) != 1 || got[0].Text != "d" {
		t.Fatalf("Recent(1) = %+v", got)
	}
}

func TestSubscribeFanOutAndDrop(t *testing.T) {
	s := New(Options{})
	fast, cancelFast := s.Subscribe(4)
	slow, cancelSlow := s.Subscribe(1)
	defer cancelFast()

	s.PushChatMessage(model.ChatMessage{Text: "one"})
	s.PushChatMessage(model.ChatMessage{Text: "two"})

	if m := <-fast; m.Text != "one" {
		t.Fatalf("fast got %q", m.Text)
	}
	if m := <-fast; m.Text != "two" {
		t.Fatalf("fast got %q", m.Text)
	}
	if m := <-slow; m.Text != "one" {
		t.Fatalf("slow got %q", m.Text)
	}
	select {
	case m := <-slow:
		t.Fatalf("slow subscriber should have dropped %q", m.Text)
	default:
	}

	cancelSlow()
	cancelSlow()
	if _, ok := <-slow; ok {
		t.Fatal("cancelled channel should be closed")
	}
	s.PushChatMessage(model.ChatMessage{Text: "three"})
	if m := <-fast; m.Text != "three" {
		t.Fatalf("fast got %q", m.Text)
	}
}

func TestStatus(t *testing.T) {
	s := New(Options{})
	s.SetStatus("Connected to chat")
	if s.Status() != "Connected to chat" {
		t.Fatalf("Status = %q", s.Status())
	}
}
