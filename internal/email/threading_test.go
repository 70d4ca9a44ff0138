package email

import "testing"

func TestConversationID(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "references root wins",
			msg: Message{
				MessageID:  "c@x",
				InReplyTo:  []string{"b@x"},
				References: []string{"a@x", "b@x"},
			},
			want: "a@x",
		},
		{
			name: "in-reply-to without references",
			msg:  Message{MessageID: "c@x", InReplyTo: []string{"b@x"}},
			want: "b@x",
		},
		{
			name: "new thread uses own id",
			msg:  Message{MessageID: "<c@x>"},
			want: "c@x",
		},
		{
			name: "blank references skipped",
			msg:  Message{MessageID: "c@x", References: []string{" ", "<a@x>"}},
			want: "a@x",
		},
		{
			name: "no headers falls back to uid",
			msg:  Message{Envelope: Envelope{UID: 77}},
			want: "work:77",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConversationID("work", &tt.msg); got != tt.want {
				t.Errorf("ConversationID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplySubject(t *testing.T) {
	tests := map[string]string{
		"Plan":        "Re: Plan",
		"Re: Plan":    "Re: Plan",
		"RE: Plan":    "RE: Plan",
		"Regarding x": "Re: Regarding x",
	}
	for in, want := range tests {
		if got := replySubject(in); got != want {
			t.Errorf("replySubject(%q) = %q, want %q", in, got, want)
		}
	}
}
