package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageCreate(t *testing.T) {
	raw := []byte(`{"type":"message_create","session_id":"s1","content":"<@bot> !c hi","reply_to":"m1","attachments":[{"url":"http://x/a.png","content_type":"image/png"}]}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	create, ok := msg.(MessageCreate)
	if !ok {
		t.Fatalf("message type = %T, want MessageCreate", msg)
	}
	if create.SessionID != "s1" || create.ReplyTo != "m1" {
		t.Fatalf("unexpected message_create: %+v", create)
	}
	if len(create.Attachments) != 1 || create.Attachments[0].ContentType != "image/png" {
		t.Fatalf("Attachments = %+v, want one png", create.Attachments)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmptyCreate(t *testing.T) {
	for _, raw := range []string{
		`{"type":"message_create","session_id":"","content":"hi"}`,
		`{"type":"message_create","session_id":"s1","content":"   "}`,
		`not json`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) succeeded, want error", raw)
		}
	}
}

func BenchmarkParseClientMessageCreate(b *testing.B) {
	raw := []byte(`{"type":"message_create","session_id":"s1","content":"<@bot> !chat what is the weather like","reply_to":"m7"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(MessageCreate); !ok {
			b.Fatalf("message type = %T, want MessageCreate", msg)
		}
	}
}
