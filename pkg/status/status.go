// Package status implements the per-row and per-attribute config-status
// state machine and its consolidation across controller overlay rows.
package status

import (
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// FromResult maps a driver result code to the config status it produces.
func FromResult(code engine.ResultCode) keyval.ConfigStatus {
	switch code {
	case engine.CodeSuccess:
		return keyval.StatusApplied
	case engine.CodeCfgSyntax, engine.CodeCfgSemantic:
		return keyval.StatusInvalid
	case engine.CodeNotSupportedByController:
		return keyval.StatusNotSupported
	default:
		return keyval.StatusNotApplied
	}
}

// Merge folds a new result into a current status.
//
// UNKNOWN yields to anything, INVALID and NOT_SUPPORTED absorb everything,
// a mix of APPLIED and NOT_APPLIED becomes PARTIALLY_APPLIED and
// PARTIALLY_APPLIED is sticky.
func Merge(cur, result keyval.ConfigStatus) keyval.ConfigStatus {
	switch {
	case cur.IsAbsorbing():
		return cur
	case result.IsAbsorbing():
		return result
	case cur == keyval.StatusUnknown:
		return result
	case result == keyval.StatusUnknown:
		return cur
	case cur == result:
		return cur
	default:
		return keyval.StatusPartiallyApplied
	}
}

// Aggregate consolidates a list of statuses.
func Aggregate(statuses []keyval.ConfigStatus) keyval.ConfigStatus {
	if len(statuses) == 0 {
		return keyval.StatusUnknown
	}
	var applied, notApplied, notSupported int
	for _, s := range statuses {
		switch s {
		case keyval.StatusInvalid:
			return keyval.StatusInvalid
		case keyval.StatusNotSupported:
			notSupported++
		case keyval.StatusApplied:
			applied++
		case keyval.StatusNotApplied:
			notApplied++
		}
	}
	switch {
	case notSupported > 0:
		return keyval.StatusNotSupported
	case applied == len(statuses):
		return keyval.StatusApplied
	case notApplied == len(statuses):
		return keyval.StatusNotApplied
	default:
		return keyval.StatusPartiallyApplied
	}
}

// Result is a consolidated status for one main row.
type Result struct {
	Row   keyval.ConfigStatus
	Attrs []keyval.ConfigStatus
}

// Consolidate computes the main-row status from the controller rows that
// reference it. The row status uses every row; each attribute uses only
// the rows where it is VALID, and is NOT_SUPPORTED when no row carries it
// as VALID but some row marks it NOT_SUPPORTED.
func Consolidate(rows []*keyval.Record, attrs int) Result {
	res := Result{Attrs: make([]keyval.ConfigStatus, attrs)}

	rowStatuses := make([]keyval.ConfigStatus, 0, len(rows))
	for _, r := range rows {
		if r != nil {
			rowStatuses = append(rowStatuses, r.Status)
		}
	}
	res.Row = Aggregate(rowStatuses)

	for i := 0; i < attrs; i++ {
		var statuses []keyval.ConfigStatus
		unsupported := false
		for _, r := range rows {
			if r == nil {
				continue
			}
			a := r.Attr(i)
			if a == nil {
				continue
			}
			switch a.Valid {
			case keyval.Valid, keyval.ValueNotModified:
				statuses = append(statuses, a.Status)
			case keyval.NotSupported:
				unsupported = true
			}
		}
		switch {
		case len(statuses) > 0:
			res.Attrs[i] = Aggregate(statuses)
		case unsupported:
			res.Attrs[i] = keyval.StatusNotSupported
		default:
			res.Attrs[i] = keyval.StatusUnknown
		}
	}
	return res
}

// Apply writes a consolidated status onto a main record.
func (r Result) Apply(rec *keyval.Record) {
	rec.Status = r.Row
	for i := range rec.Attrs {
		if i < len(r.Attrs) {
			rec.Attrs[i].Status = r.Attrs[i]
		}
	}
}

// UpdateConfigStatus stamps the status of rec after a driver result.
//
// On create the row and every VALID attribute take the result. On update
// the row result is merged into the prior row status, changed attributes
// take the result and unmodified attributes keep their prior status. On
// delete the row takes the result. Attributes tagged NOT_SUPPORTED always
// carry NOT_SUPPORTED and absorbing prior attribute statuses are kept.
func UpdateConfigStatus(op engine.Operation, result keyval.ConfigStatus, prior, rec *keyval.Record) {
	switch op {
	case engine.OpCreate:
		rec.Status = result
		for i := range rec.Attrs {
			rec.Attrs[i].Status = seed(rec.Attrs[i].Valid, result)
		}

	case engine.OpUpdate:
		if prior == nil {
			UpdateConfigStatus(engine.OpCreate, result, nil, rec)
			return
		}
		rec.Status = Merge(prior.Status, result)
		for i := range rec.Attrs {
			a := &rec.Attrs[i]
			var before keyval.ConfigStatus
			if p := prior.Attr(i); p != nil {
				before = p.Status
			}
			switch {
			case a.Valid == keyval.NotSupported:
				a.Status = keyval.StatusNotSupported
			case a.Valid == keyval.ValueNotModified:
				a.Status = before
			case before.IsAbsorbing() && a.Valid == keyval.Valid:
				a.Status = before
			default:
				a.Status = seed(a.Valid, result)
			}
		}

	case engine.OpDelete:
		rec.Status = result
	}
}

func seed(v keyval.Validity, result keyval.ConfigStatus) keyval.ConfigStatus {
	switch v {
	case keyval.Valid, keyval.ValidNoValue:
		return result
	case keyval.NotSupported:
		return keyval.StatusNotSupported
	default:
		return keyval.StatusUnknown
	}
}

// SetValidAudit seeds the row and every attribute to APPLIED. It is used on
// the audit datastore after a successful controller resync.
func SetValidAudit(rec *keyval.Record) {
	rec.Status = keyval.StatusApplied
	for i := range rec.Attrs {
		rec.Attrs[i].Status = keyval.StatusApplied
	}
}

// MarkUnmodified tags every attribute of next that is VALID with the same
// value in prev as VALUE_NOT_MODIFIED, and returns the number of attributes
// that changed.
func MarkUnmodified(next, prev *keyval.Record) int {
	changed := 0
	for i := range next.Attrs {
		a := &next.Attrs[i]
		if !a.Valid.IsSet() {
			continue
		}
		if p := prev.Attr(i); p != nil && p.Valid == keyval.Valid && a.Valid == keyval.Valid && p.Value.Equal(a.Value) {
			a.Valid = keyval.ValueNotModified
			continue
		}
		changed++
	}
	return changed
}

// RestoreModified turns VALUE_NOT_MODIFIED tags back into VALID before a
// record is persisted.
func RestoreModified(rec *keyval.Record) {
	for i := range rec.Attrs {
		if rec.Attrs[i].Valid == keyval.ValueNotModified {
			rec.Attrs[i].Valid = keyval.Valid
		}
	}
}
