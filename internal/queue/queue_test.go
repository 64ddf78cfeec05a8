package queue

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	want := Message{Type: TypePhotoArchive, Body: []byte("rec-123")}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Type != want.Type || !bytes.Equal(got.Body, want.Body) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel delivered after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestInMemoryPublishHonorsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{Type: TypePhotoArchive}); err != nil {
		t.Fatal(err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Publish(cancelled, Message{Type: TypePhotoArchive}); err == nil {
		t.Fatal("publish into a full queue with cancelled context must fail")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"plain", Message{Type: TypePhotoArchive, Body: []byte("rec-1")}},
		{"pipe in body", Message{Type: "t", Body: []byte("a|b|c")}},
		{"empty body", Message{Type: "t", Body: []byte("")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := deserialize(serialize(tc.msg))
			if err != nil {
				t.Fatal(err)
			}
			if got.Type != tc.msg.Type || !bytes.Equal(got.Body, tc.msg.Body) {
				t.Fatalf("round trip: got %+v, want %+v", got, tc.msg)
			}
		})
	}

	// A payload without a separator keeps everything in the body.
	got, err := deserialize("no-separator")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "" || string(got.Body) != "no-separator" {
		t.Fatalf("separator-less payload parsed as %+v", got)
	}
}
