package allowlist

import (
	"context"
	"errors"
	"testing"
)

type fakeReader struct {
	val string
	err error
}

func (f fakeReader) AccessLatest(context.Context, string) (string, error) { return f.val, f.err }

func TestLoad(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		list    *List
		login   string
		allowed bool
	}{
		{"unconfigured allows", Load(ctx, "", "", nil), "anyone", true},
		{"literal hit", Load(ctx, "Alice, bob", "", nil), "ALICE", true},
		{"literal miss", Load(ctx, "alice,bob", "", nil), "carol", false},
		{"literal wins over secret", Load(ctx, "alice", "ref", fakeReader{val: "carol"}), "carol", false},
		{"secret hit", Load(ctx, "", "ref", fakeReader{val: "carol\ndave"}), "dave", true},
		{"secret error denies", Load(ctx, "", "ref", fakeReader{err: errors.New("boom")}), "dave", false},
		{"no reader denies", Load(ctx, "", "ref", nil), "dave", false},
		{"nil list allows", nil, "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.list.Allowed(tt.login); got != tt.allowed {
				t.Errorf("Allowed(%q) = %v, want %v", tt.login, got, tt.allowed)
			}
		})
	}
}
