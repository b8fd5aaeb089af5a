package workerauth

import (
	"context"
	"testing"

	"github.com/swarmguard/taskmesh/internal/store/memory"
)

func TestIssueAndVerify(t *testing.T) {
	issued, err := Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Plaintext == "" || issued.Hash == "" {
		t.Fatalf("expected non-empty plaintext and hash")
	}

	v := NewVerifier(memory.NewKV())
	if err := v.Verify(context.Background(), issued.Plaintext, issued.Hash); err != nil {
		t.Fatalf("expected verify to succeed: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issued, err := Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, err := Issue()
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}

	v := NewVerifier(memory.NewKV())
	if err := v.Verify(context.Background(), other.Plaintext, issued.Hash); err == nil {
		t.Fatalf("expected verify to reject mismatched key")
	}
}

func TestRevokeBlacklistsKey(t *testing.T) {
	issued, err := Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	kv := memory.NewKV()
	v := NewVerifier(kv)

	if err := v.Revoke(context.Background(), issued.Plaintext); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := v.Verify(context.Background(), issued.Plaintext, issued.Hash); err == nil {
		t.Fatalf("expected verify to fail after revoke")
	}
}
