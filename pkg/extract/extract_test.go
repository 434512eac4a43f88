package extract

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestDelimitedExtractorWithHeader(t *testing.T) {
	path := writeTempFile(t, "awards.csv", "award_id,company,amount\nA1,Acme,100\nA2,Beta,200\n")

	e, err := NewDelimitedExtractor("awards", path, ',', true)
	if err != nil {
		t.Fatalf("NewDelimitedExtractor: %v", err)
	}
	defer e.Close()

	var rows []*Record
	for {
		rec, err := e.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, rec)
	}

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Fields["award_id"] != "A1" || rows[0].Fields["company"] != "Acme" {
		t.Errorf("unexpected first row: %+v", rows[0].Fields)
	}
	if rows[1].Row != 2 {
		t.Errorf("row number = %d, want 2", rows[1].Row)
	}
}

func TestDelimitedExtractorNoHeader(t *testing.T) {
	path := writeTempFile(t, "nohdr.csv", "A1,Acme,100\n")

	e, err := NewDelimitedExtractor("awards", path, ',', false)
	if err != nil {
		t.Fatalf("NewDelimitedExtractor: %v", err)
	}
	defer e.Close()

	rec, err := e.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Fields["col_0"] != "A1" {
		t.Errorf("col_0 = %q, want A1", rec.Fields["col_0"])
	}
}

func TestMultiTableJoinExtractor(t *testing.T) {
	primary := writeTempFile(t, "patents.csv", "patent_id,title\nP1,Widget\nP2,Gadget\n")
	side := writeTempFile(t, "assignees.csv", "patent_id,assignee\nP1,Acme\n")

	e, err := NewMultiTableJoinExtractor("patents", primary, map[string]string{"assignee": side}, "patent_id", ',', true)
	if err != nil {
		t.Fatalf("NewMultiTableJoinExtractor: %v", err)
	}
	defer e.Close()

	rec1, err := e.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec1.Fields["assignee.assignee"] != "Acme" {
		t.Errorf("joined field missing: %+v", rec1.Fields)
	}

	rec2, err := e.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, ok := rec2.Fields["assignee.assignee"]; ok {
		t.Errorf("unexpected join match for P2: %+v", rec2.Fields)
	}
}

func TestStatBinaryExtractor(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "firms.bin")
	layoutPath := dataPath + ".layout"

	if err := os.WriteFile(layoutPath, []byte("id:0:4\nname:4:10\n"), 0o644); err != nil {
		t.Fatalf("write layout: %v", err)
	}
	record := "A001" + "Acme Corp \x00"
	if err := os.WriteFile(dataPath, []byte(record), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}

	e, err := NewStatBinaryExtractor("firms", dataPath)
	if err != nil {
		t.Fatalf("NewStatBinaryExtractor: %v", err)
	}
	defer e.Close()

	rec, err := e.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Fields["id"] != "A001" {
		t.Errorf("id = %q, want A001", rec.Fields["id"])
	}
	if rec.Fields["name"] != "Acme Corp" {
		t.Errorf("name = %q, want %q", rec.Fields["name"], "Acme Corp")
	}

	if _, err := e.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF at end of file, got %v", err)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open(Kind("bogus"), "x", "x", ',', true, nil, ""); err == nil {
		t.Error("expected error for unknown kind")
	}
}
