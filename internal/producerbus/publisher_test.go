package producerbus

import "testing"

func TestSubjectFormat(t *testing.T) {
	p := &Publisher{prefix: "egress"}
	got := p.subject("agent-42")
	want := "egress.need_more_work.agent-42"
	if got != want {
		t.Fatalf("subject = %q, want %q", got, want)
	}
}
