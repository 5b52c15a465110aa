package ledger

import (
	"path/filepath"
	"strings"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestGrantAndTotal(t *testing.T) {
	l := openTestLedger(t)

	if _, err := l.Grant("user-1", 1160, "action_completed", "action:a1", map[string]int{"base": 1000}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := l.Grant("user-1", 500, "level_completed", "level:l1", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := l.Grant("user-2", 300, "action_completed", "action:a2", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	total, err := l.Total("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 1660 {
		t.Fatalf("total = %d, want 1660", total)
	}

	history, err := l.History("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history entries = %d, want 2", len(history))
	}
	for _, tx := range history {
		if tx.Reason == "action_completed" && !strings.Contains(tx.BreakdownJSON, "base") {
			t.Fatalf("breakdown not stored: %q", tx.BreakdownJSON)
		}
	}
}

func TestGrantIdempotent(t *testing.T) {
	l := openTestLedger(t)

	created, err := l.Grant("user-1", 1000, "action_completed", "action:a1", nil)
	if err != nil || !created {
		t.Fatalf("first grant: created=%v err=%v", created, err)
	}
	// Retry for the same completion must not duplicate the payout.
	created, err = l.Grant("user-1", 1000, "action_completed", "action:a1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate grant was accepted")
	}
	total, err := l.Total("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 1000 {
		t.Fatalf("total = %d, want 1000", total)
	}
}

func TestUserLevel(t *testing.T) {
	cases := []struct {
		xp     int
		level  int
		toNext int
	}{
		{0, 1, 1000},
		{999, 1, 1},
		{1000, 2, 1500},
		{2500, 3, 2500},
		{5000, 4, 5000},
		{10000, 5, 10000},
		{25000, 5, 0},
	}
	for _, tc := range cases {
		level, toNext := UserLevel(tc.xp)
		if level != tc.level || toNext != tc.toNext {
			t.Fatalf("UserLevel(%d) = (%d, %d), want (%d, %d)", tc.xp, level, toNext, tc.level, tc.toNext)
		}
	}
}

func TestAchievementClaim(t *testing.T) {
	l := openTestLedger(t)

	err := l.SeedAchievement(Achievement{
		ID:            "first-level",
		Name:          "First Level Complete",
		CriteriaKey:   "levels_completed",
		CriteriaValue: 1,
		XPReward:      250,
	})
	if err != nil {
		t.Fatal(err)
	}

	progress, err := l.Progress("user-1", map[string]int{"levels_completed": 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(progress) != 1 || progress[0].Current != 0 || progress[0].Required != 1 {
		t.Fatalf("progress = %+v, want one entry 0/1", progress)
	}

	xp, err := l.Claim("user-1", "first-level")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if xp != 250 {
		t.Fatalf("claim xp = %d, want 250", xp)
	}
	if _, err := l.Claim("user-1", "first-level"); err == nil {
		t.Fatal("second claim succeeded")
	}

	progress, err = l.Progress("user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(progress) != 0 {
		t.Fatalf("claimed achievement still listed: %+v", progress)
	}

	total, err := l.Total("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 250 {
		t.Fatalf("total = %d, want 250", total)
	}
}
