package bootstrap

import (
	"testing"
	"time"
)

func TestSplitPartitions(t *testing.T) {
	cases := []struct {
		csv  string
		want []string
	}{
		{"", nil},
		{"0", []string{"0"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{"a, b ,c", []string{"a", "b", "c"}},
	}
	for _, c := range cases {
		got := SplitPartitions(c.csv)
		if len(got) != len(c.want) {
			t.Fatalf("SplitPartitions(%q) = %v, want %v", c.csv, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("SplitPartitions(%q) = %v, want %v", c.csv, got, c.want)
			}
		}
	}
}

func TestMemoryBackendsNeedNoPool(t *testing.T) {
	if _, err := HistoryStore("memory", nil); err != nil {
		t.Fatalf("history store: %v", err)
	}
	if _, err := ExecutionStore("", nil); err != nil {
		t.Fatalf("execution store: %v", err)
	}
	if _, err := TimerStore("memory", nil, nil); err != nil {
		t.Fatalf("timer store: %v", err)
	}
	if _, err := Journal("memory", nil); err != nil {
		t.Fatalf("journal: %v", err)
	}
	if _, err := Queue("memory", nil, "exec", nil); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := EntityStore("memory", nil); err != nil {
		t.Fatalf("entity store: %v", err)
	}
	if _, err := ClaimStore("memory", nil, time.Minute); err != nil {
		t.Fatalf("claim store: %v", err)
	}
}

func TestPostgresBackendsRequirePool(t *testing.T) {
	if _, err := HistoryStore("postgres", nil); err == nil {
		t.Fatal("want error for postgres backend with nil pool")
	}
	if _, err := ExecutionStore("postgres", nil); err == nil {
		t.Fatal("want error for postgres backend with nil pool")
	}
	if _, err := TimerStore("postgres", nil, nil); err == nil {
		t.Fatal("want error for postgres backend with nil pool")
	}
	if _, err := Journal("postgres", nil); err == nil {
		t.Fatal("want error for postgres backend with nil pool")
	}
	if _, err := EntityStore("postgres", nil); err == nil {
		t.Fatal("want error for postgres backend with nil pool")
	}
}

func TestRedisBackendsRequireClient(t *testing.T) {
	if _, err := Queue("redis", nil, "exec", nil); err == nil {
		t.Fatal("want error for redis queue backend with nil client")
	}
	if _, err := ClaimStore("redis", nil, time.Minute); err == nil {
		t.Fatal("want error for redis claim store backend with nil client")
	}
	if _, err := TimerStore("redis", nil, nil); err == nil {
		t.Fatal("want error for redis timer store backend with nil client")
	}
}

func TestUnknownBackendsError(t *testing.T) {
	if _, err := HistoryStore("bogus", nil); err == nil {
		t.Fatal("want error for unknown backend")
	}
	if _, err := Queue("bogus", nil, "exec", nil); err == nil {
		t.Fatal("want error for unknown queue backend")
	}
}
