package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestJSONExtract(t *testing.T) {
	got := JSONExtract(SQLite3, "data", "state")
	if got != "json_extract(data, '$.state')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = JSONExtract(PGX, "data", "state")
	if got != "data::jsonb->>'state'" {
		t.Errorf("pgx: got %q", got)
	}
}
