package obs

import "testing"

func TestMessagesAccumulateInOrder(t *testing.T) {
	var m Messages
	m.Warnf("certification %s skipped", "c1")
	m.Errorf("rule %q failed", "closing-rule")
	m.Warnf("lock contention on %s", "ida")

	all := m.All()
	if len(all) != 3 {
		t.Fatalf("messages = %d", len(all))
	}
	if all[0].Level != "warn" || all[0].Text != "certification c1 skipped" {
		t.Fatalf("first message = %+v", all[0])
	}
	if all[1].Level != "error" {
		t.Fatalf("second message = %+v", all[1])
	}

	errs := m.Errors()
	if len(errs) != 1 || errs[0].Text != `rule "closing-rule" failed` {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestMessagesEmpty(t *testing.T) {
	var m Messages
	if len(m.All()) != 0 || len(m.Errors()) != 0 {
		t.Fatal("fresh collector not empty")
	}
}
