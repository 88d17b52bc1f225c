package convert

import (
	"strings"
	"testing"
)

func TestOrderTablesRespectsForeignKeys(t *testing.T) {
	tables := []ndmTable{
		{Name: "orders", Refs: []ndmRef{{Schema: "shop", Table: "customers"}}},
		{Name: "customers", Refs: nil},
		{Name: "order_items", Refs: []ndmRef{
			{Schema: "shop", Table: "orders"},
			{Schema: "shop", Table: "products"},
		}},
		{Name: "products", Refs: nil},
	}

	order, notes := orderTables("shop", tables)
	if len(notes) != 0 {
		t.Fatalf("notes = %v, want none", notes)
	}
	if len(order) != 4 {
		t.Fatalf("order = %v", order)
	}

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	if pos["customers"] > pos["orders"] {
		t.Fatalf("customers must precede orders: %v", order)
	}
	if pos["orders"] > pos["order_items"] || pos["products"] > pos["order_items"] {
		t.Fatalf("order_items must come after its references: %v", order)
	}
}

func TestOrderTablesCrossDatabaseWarning(t *testing.T) {
	tables := []ndmTable{
		{Name: "events", Refs: []ndmRef{{Schema: "analytics", Table: "sessions"}}},
	}

	order, notes := orderTables("shop", tables)
	if len(order) != 1 {
		t.Fatalf("order = %v", order)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "analytics") {
		t.Fatalf("notes = %v, want cross-database warning", notes)
	}
}

func TestOrderTablesMissingReferenceWarning(t *testing.T) {
	tables := []ndmTable{
		{Name: "orders", Refs: []ndmRef{{Schema: "shop", Table: "ghosts"}}},
	}

	_, notes := orderTables("shop", tables)
	if len(notes) != 1 || !strings.Contains(notes[0], "ghosts") {
		t.Fatalf("notes = %v, want missing-table warning", notes)
	}
}

func TestOrderTablesCircularDependency(t *testing.T) {
	tables := []ndmTable{
		{Name: "a", Refs: []ndmRef{{Schema: "shop", Table: "b"}}},
		{Name: "b", Refs: []ndmRef{{Schema: "shop", Table: "a"}}},
	}

	order, notes := orderTables("shop", tables)
	if len(order) != 2 {
		t.Fatalf("order = %v, circular tables must not be dropped", order)
	}
	found := false
	for _, note := range notes {
		if strings.Contains(note, "循環参照") {
			found = true
		}
	}
	if !found {
		t.Fatalf("notes = %v, want circular-dependency warning", notes)
	}
}

func TestRenderTableOrderUsesCRLF(t *testing.T) {
	content := renderTableOrder("shop", []string{"customers", "orders"}, []string{"WARNING: x"})

	if !strings.Contains(content, "\r\n") {
		t.Fatal("output must use CRLF line endings")
	}
	if strings.Contains(strings.ReplaceAll(content, "\r\n", ""), "\n") {
		t.Fatal("output must not contain bare LF")
	}
	if !strings.Contains(content, "1. customers") || !strings.Contains(content, "2. orders") {
		t.Fatalf("numbered list missing:\n%s", content)
	}
	if !strings.Contains(content, "WARNING: x") {
		t.Fatal("notes section missing")
	}
	if !strings.Contains(content, "合計: 2 テーブル") {
		t.Fatal("total line missing")
	}
}
