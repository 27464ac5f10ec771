// Package columnplan derives and represents the fixed source-key to
// db-column mapping used for the lifetime of one ETL job.
package columnplan

import "fmt"

// Pair is one (source_key, db_column) entry. Order matches the COPY column
// list and the encoded line.
type Pair struct {
	SourceKey string
	DBColumn  string
}

// Plan is the ordered column plan derived once from the first record.
type Plan struct {
	Pairs []Pair
}

// DBColumns returns the db_column list in plan order, suitable for a COPY
// column list.
func (p Plan) DBColumns() []string {
	cols := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		cols[i] = pair.DBColumn
	}
	return cols
}

// SourceKeys returns the source_key list in plan order.
func (p Plan) SourceKeys() []string {
	keys := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		keys[i] = pair.SourceKey
	}
	return keys
}

// Empty reports whether the plan matched zero columns.
func (p Plan) Empty() bool {
	return len(p.Pairs) == 0
}

// ErrNoColumnsMatch is returned when column derivation produces an empty
// plan — a ConfigError-class condition per spec.md §4.2.
var ErrNoColumnsMatch = fmt.Errorf("no source keys matched any target column")

// Derive builds a Plan from the first record's normalised keys, the live
// target table's column set, and an optional explicit sourceMapping.
//
// Tie-break: a source key named in sourceMapping always wins over an
// implicit verbatim-name match, even if sourceMapping also names other keys.
// A sourceMapping entry whose dbColumn is absent from tableColumns is
// silently dropped (see DESIGN.md Open Question §9(a)).
func Derive(firstRecordKeys []string, tableColumns map[string]bool, sourceMapping map[string]string) (Plan, error) {
	var plan Plan
	mapped := make(map[string]bool, len(sourceMapping))

	if len(sourceMapping) > 0 {
		// Preserve the order the caller provided by iterating
		// firstRecordKeys and consulting sourceMapping, so a mapping that
		// references keys not present in the first record is skipped
		// rather than fabricating a Pair for data that doesn't exist.
		present := make(map[string]bool, len(firstRecordKeys))
		for _, k := range firstRecordKeys {
			present[k] = true
		}
		for _, srcKey := range firstRecordKeys {
			dbCol, ok := sourceMapping[srcKey]
			if !ok {
				continue
			}
			if !tableColumns[dbCol] {
				continue
			}
			plan.Pairs = append(plan.Pairs, Pair{SourceKey: srcKey, DBColumn: dbCol})
			mapped[srcKey] = true
		}
	}

	for _, srcKey := range firstRecordKeys {
		if mapped[srcKey] {
			continue
		}
		if _, explicit := sourceMapping[srcKey]; explicit {
			// Named in sourceMapping but dropped above (absent db column):
			// do not fall through to an implicit match for the same key.
			continue
		}
		if tableColumns[srcKey] {
			plan.Pairs = append(plan.Pairs, Pair{SourceKey: srcKey, DBColumn: srcKey})
		}
	}

	if plan.Empty() {
		return plan, ErrNoColumnsMatch
	}
	return plan, nil
}
