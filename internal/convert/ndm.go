package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
)

// ndmModel は .ndm2(Navicat Data Modeler)ファイルのうち、
// テーブル順序の決定に必要な部分だけを表します。
type ndmModel struct {
	Server struct {
		Schemas []struct {
			Name   string `json:"name"`
			Tables []struct {
				Name        string `json:"name"`
				ForeignKeys []struct {
					ReferenceSchema string `json:"referenceSchema"`
					ReferenceTable  string `json:"referenceTable"`
				} `json:"foreignKeys"`
			} `json:"tables"`
		} `json:"schemas"`
	} `json:"server"`
}

type ndmTable struct {
	Name string
	Refs []ndmRef
}

type ndmRef struct {
	Schema string
	Table  string
}

// processNDMToTablesSeq は .ndm2 ファイルを解析し、外部キーの依存関係を
// 尊重したテーブルの作成順序をテキストで出力します。
func (s *Service) processNDMToTablesSeq(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	report(10, "NDMファイルを読み込んでいます")

	raw, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, fmt.Errorf("ファイルを読み込めません: %v", err)
	}

	var model ndmModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("このファイルは有効なJSONではありません: %v", err)
	}
	if len(model.Server.Schemas) == 0 {
		return nil, fmt.Errorf("NDMファイルの構造が不正です: スキーマが見つかりません。")
	}

	report(25, "テーブルと外部キーを抽出しています")

	schema := model.Server.Schemas[0]
	tables := make([]ndmTable, 0, len(schema.Tables))
	for _, t := range schema.Tables {
		refs := make([]ndmRef, 0, len(t.ForeignKeys))
		for _, fk := range t.ForeignKeys {
			refs = append(refs, ndmRef{Schema: fk.ReferenceSchema, Table: fk.ReferenceTable})
		}
		tables = append(tables, ndmTable{Name: t.Name, Refs: refs})
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("このスキーマにはテーブルがありません。")
	}

	report(40, fmt.Sprintf("%d個のテーブルを並べ替えています", len(tables)))

	order, notes := orderTables(schema.Name, tables)

	report(75, "出力ファイルを生成しています")

	content := renderTableOrder(schema.Name, order, notes)
	outPath := s.storage.OutputPath(outputName(job.ID, baseNameWithoutExt(file.OriginalName)+"_table_order.txt"))
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("出力ファイルの保存に失敗しました: %v", err)
	}

	message := fmt.Sprintf("%d個のテーブルの順序を生成しました。", len(order))
	if len(notes) > 0 {
		message = fmt.Sprintf("%d個のテーブルの順序を生成しました(警告 %d件)。", len(order), len(notes))
	}
	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    message,
	}, nil
}

// orderTables は外部キーの参照先が常に参照元より前に来るように
// テーブルを並べ替えます。循環参照は反復回数の上限で検出し、
// 解消できなかった分は警告として返します。
func orderTables(schemaName string, tables []ndmTable) ([]string, []string) {
	var notes []string
	addNote := func(note string) {
		for _, n := range notes {
			if n == note {
				return
			}
		}
		notes = append(notes, note)
	}

	refsByTable := make(map[string][]ndmRef, len(tables))
	for _, t := range tables {
		refsByTable[t.Name] = t.Refs
	}

	// 初期順序: 外部キーを持たないテーブルを先頭に置く。
	var order []string
	for _, t := range tables {
		if len(t.Refs) == 0 {
			order = append([]string{t.Name}, order...)
		} else {
			order = append(order, t.Name)
		}
	}

	indexOf := func(name string) int {
		for i, n := range order {
			if n == name {
				return i
			}
		}
		return -1
	}

	maxPasses := len(order)
	passes := 0
	for {
		moved := false

		for i := 0; i < len(order); i++ {
			name := order[i]
			for _, ref := range refsByTable[name] {
				if ref.Schema != schemaName {
					addNote(fmt.Sprintf("WARNING: %s はデータベース %s に属しています", ref.Table, ref.Schema))
					continue
				}
				refPos := indexOf(ref.Table)
				if refPos < 0 {
					addNote(fmt.Sprintf("WARNING: %s から参照されている %s がスキーマ内に見つかりません", name, ref.Table))
					continue
				}
				if refPos > i {
					// 参照先の直後へ移動して走査を続けます。
					order = append(order[:i], order[i+1:]...)
					order = append(order[:refPos], append([]string{name}, order[refPos:]...)...)
					moved = true
					break
				}
			}
		}

		if !moved {
			break
		}
		passes++
		if passes >= maxPasses {
			addNote("WARNING: 循環参照の可能性があります")
			break
		}
	}

	return order, notes
}

// renderTableOrder はWindowsのメモ帳でも開けるようCRLFで整形します。
func renderTableOrder(schemaName string, order, notes []string) string {
	lines := []string{
		fmt.Sprintf("%s のテーブル作成順序", schemaName),
		strings.Repeat("=", 50),
		"",
	}
	for i, name := range order {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, name))
	}
	if len(notes) > 0 {
		lines = append(lines, "", strings.Repeat("-", 50), "注記:")
		for _, note := range notes {
			lines = append(lines, "  * "+note)
		}
	}
	lines = append(lines, "", fmt.Sprintf("合計: %d テーブル", len(order)))
	return strings.Join(lines, "\r\n")
}
