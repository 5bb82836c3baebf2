package repo

import "testing"

func TestSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		"data/paygate.db":         "file:data/paygate.db?_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON&_time_format=sqlite",
		"file:x.db?mode=rwc":      "file:x.db?mode=rwc&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON&_time_format=sqlite",
		"  /var/lib/paygate.db  ": "file:/var/lib/paygate.db?_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON&_time_format=sqlite",
	}
	for in, want := range cases {
		got, err := sqliteDSN(in)
		if err != nil {
			t.Fatalf("sqliteDSN(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := sqliteDSN(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
