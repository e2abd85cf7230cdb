package stores

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
)

// filterData drives the WHERE clause shared by the bulk statements.
type filterData struct {
	Controller bool
	Domain     bool
	VTN        bool
}

const filterClause = `datastore = ? AND tbl = ? AND key_type = ?` +
	`{{if .Controller}} AND ctrlr_name = ?{{end}}` +
	`{{if .Domain}} AND domain_id = ?{{end}}` +
	`{{if .VTN}} AND vtn = ?{{end}}`

var (
	clearTemplate = template.Must(template.New("clear_table").Parse(
		`DELETE FROM config_rows WHERE ` + filterClause))

	copyTemplate = template.Must(template.New("copy_table").Parse(
		`INSERT INTO config_rows (datastore, tbl, key_type, key_path, ctrlr_name, domain_id, vtn, flags, rec_table, config, status, updated_at) ` +
			`SELECT ?, tbl, key_type, key_path, ctrlr_name, domain_id, vtn, flags, rec_table, config, status, ? ` +
			`FROM config_rows WHERE ` + filterClause))
)

func render(t *template.Template, data filterData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// filterArgs returns the arguments matching filterClause for one datastore.
func filterArgs(q datastore.Query, ds engine.Datastore, data filterData) []interface{} {
	args := []interface{}{ds, q.Table, q.KeyType}
	if data.Controller {
		args = append(args, q.Owner.Controller)
	}
	if data.Domain {
		args = append(args, q.Owner.Domain)
	}
	if data.VTN {
		args = append(args, q.Scope.VTN)
	}
	return args
}

// renderQuery expands a bulk statement into SQL statements and their
// arguments. A tenant scope over a global key type touches no rows.
func renderQuery(q datastore.Query) ([]string, [][]interface{}, error) {
	switch q.Template {
	case datastore.QueryClearTable, datastore.QueryCopyTable:
	default:
		return nil, nil, engine.Errorf(engine.CodeBadRequest, "unknown query template %q", q.Template)
	}
	if q.Scope.Mode == engine.ModeVTN && q.Global {
		return nil, nil, nil
	}

	data := filterData{
		Controller: q.Table.HasOwner() && q.Owner.Controller != "",
		Domain:     q.Table.HasOwner() && q.Owner.Domain != "",
		VTN:        q.Scope.Mode == engine.ModeVTN,
	}

	del, err := render(clearTemplate, data)
	if err != nil {
		return nil, nil, err
	}
	stmts := []string{del}
	args := [][]interface{}{filterArgs(q, q.Dst, data)}
	if q.Template == datastore.QueryClearTable {
		return stmts, args, nil
	}

	cp, err := render(copyTemplate, data)
	if err != nil {
		return nil, nil, err
	}
	stmts = append(stmts, cp)
	args = append(args, append([]interface{}{q.Dst, time.Now().UTC()}, filterArgs(q, q.Src, data)...))
	return stmts, args, nil
}
