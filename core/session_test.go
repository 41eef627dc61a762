package core

import "testing"

func TestSessionValidator(t *testing.T) {
	type step struct {
		session, seq uint16
		want         Verdict
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{"first chunk must be seq 0", []step{{1, 1, Reject}, {1, 0, AcceptNewSession}, {1, 1, Accept}}},
		{"in order", []step{{7, 0, AcceptNewSession}, {7, 1, Accept}, {7, 2, Accept}}},
		{"duplicate", []step{{7, 0, AcceptNewSession}, {7, 1, Accept}, {7, 1, Reject}, {7, 0, Reject}, {7, 2, Accept}}},
		{"gap", []step{{7, 0, AcceptNewSession}, {7, 2, Reject}, {7, 1, Accept}, {7, 2, Accept}}},
		{"new session", []step{{7, 0, AcceptNewSession}, {7, 1, Accept}, {8, 0, AcceptNewSession}, {7, 2, Reject}, {8, 1, Accept}}},
		{"new session needs seq 0", []step{{7, 0, AcceptNewSession}, {8, 3, Reject}, {7, 1, Accept}}},
		{"session id zero", []step{{0, 0, AcceptNewSession}, {0, 1, Accept}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v SessionValidator
			for i, s := range tt.steps {
				if got := v.Validate(s.session, s.seq); got != s.want {
					t.Fatalf("step %d (%d/%d): got %v, want %v", i, s.session, s.seq, got, s.want)
				}
			}
		})
	}
}

func TestSessionCheckDoesNotCommit(t *testing.T) {
	var v SessionValidator
	v.Validate(3, 0)
	if v.Check(3, 1) != Accept || v.Check(3, 1) != Accept {
		t.Fatal("Check changed state")
	}
	if _, expected, _ := v.State(); expected != 1 {
		t.Errorf("expected = %d, want 1", expected)
	}
}

func TestSessionSequenceWraps(t *testing.T) {
	var v SessionValidator
	v.Begin(5)
	v.Commit(0xFFFF)
	if v.Check(5, 0) != Accept {
		t.Error("seq 0 after 0xFFFF should be accepted")
	}
}
