package email

import "testing"

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "paragraphs",
			html: "<p>First</p><p>Second</p>",
			want: "First\n\nSecond",
		},
		{
			name: "inline markup joins words",
			html: "<p>Meet <b>Tuesday</b> at <i>noon</i>.</p>",
			want: "Meet Tuesday at noon.",
		},
		{
			name: "line breaks",
			html: "Line one<br>Line two",
			want: "Line one\nLine two",
		},
		{
			name: "links keep target",
			html: `<p>Agenda: <a href="https://example.com/a">here</a></p>`,
			want: "Agenda: here (https://example.com/a)",
		},
		{
			name: "bare url link not repeated",
			html: `<a href="https://example.com">https://example.com</a>`,
			want: "https://example.com",
		},
		{
			name: "scripts and styles dropped",
			html: "<html><head><title>t</title><style>p{}</style></head><body><script>x()</script><p>Body</p></body></html>",
			want: "Body",
		},
		{
			name: "lists",
			html: "<ul><li>one</li><li>two</li></ul>",
			want: "- one\n- two",
		},
		{
			name: "blank runs collapsed",
			html: "<div><div><p>a</p></div></div><div><p>b</p></div>",
			want: "a\n\nb",
		},
		{
			name: "plain text passes through",
			html: "just text",
			want: "just text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToText(tt.html); got != tt.want {
				t.Errorf("HTMLToText(%q) = %q, want %q", tt.html, got, tt.want)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"text preferred", Message{TextBody: "plain", HTMLBody: "<p>html</p>"}, "plain"},
		{"html fallback", Message{HTMLBody: "<p>html</p>"}, "html"},
		{"empty", Message{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
