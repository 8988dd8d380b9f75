package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"Strata/internal/core/events"
)

// eventRow is the flat column set of the events table, in schema order.
type eventRow struct {
	eventID     string
	headID      sql.NullString
	streamIDs   string
	time        sql.NullFloat64
	endTime     sql.NullFloat64
	deleted     sql.NullFloat64
	typ         sql.NullString
	content     sql.NullString
	description sql.NullString
	clientData  sql.NullString
	integrity   sql.NullString
	attachments sql.NullString
	trashed     int
	created     sql.NullFloat64
	createdBy   sql.NullString
	modified    sql.NullFloat64
	modifiedBy  sql.NullString
}

// eventToDB flattens an event for storage: streamIds space-joined and
// terminated by the universal tag, JSON columns encoded, booleans as 0/1.
func eventToDB(e *events.Event) (*eventRow, error) {
	row := &eventRow{
		eventID:   e.ID,
		streamIDs: joinStreamIDs(e.StreamIDs),
		time:      sql.NullFloat64{Float64: e.Time, Valid: true},
		created:   sql.NullFloat64{Float64: e.Created, Valid: true},
		modified:  sql.NullFloat64{Float64: e.Modified, Valid: true},
	}
	if e.HeadID != "" {
		row.headID = sql.NullString{String: e.HeadID, Valid: true}
	}
	if e.EndTime != nil {
		row.endTime = sql.NullFloat64{Float64: *e.EndTime, Valid: true}
	}
	if e.Deleted != nil {
		row.deleted = sql.NullFloat64{Float64: *e.Deleted, Valid: true}
	}
	if e.Type != "" {
		row.typ = sql.NullString{String: e.Type, Valid: true}
	}
	if e.Description != "" {
		row.description = sql.NullString{String: e.Description, Valid: true}
	}
	if e.Integrity != "" {
		row.integrity = sql.NullString{String: e.Integrity, Valid: true}
	}
	if e.CreatedBy != "" {
		row.createdBy = sql.NullString{String: e.CreatedBy, Valid: true}
	}
	if e.ModifiedBy != "" {
		row.modifiedBy = sql.NullString{String: e.ModifiedBy, Valid: true}
	}
	if e.Trashed {
		row.trashed = 1
	}

	var err error
	if row.content, err = encodeJSONColumn(e.Content); err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	if e.ClientData != nil {
		if row.clientData, err = encodeJSONColumn(e.ClientData); err != nil {
			return nil, fmt.Errorf("failed to encode clientData: %w", err)
		}
	}
	if len(e.Attachments) > 0 {
		if row.attachments, err = encodeJSONColumn(e.Attachments); err != nil {
			return nil, fmt.Errorf("failed to encode attachments: %w", err)
		}
	}
	return row, nil
}

// eventFromDB unpacks a row: JSON columns decoded, the universal-tag suffix
// stripped, null columns dropped (endTime keeps its explicit null through
// the pointer).
func eventFromDB(row *eventRow) (*events.Event, error) {
	e := &events.Event{
		ID:        row.eventID,
		StreamIDs: splitStreamIDs(row.streamIDs),
		Time:      row.time.Float64,
		Trashed:   row.trashed != 0,
		Created:   row.created.Float64,
		Modified:  row.modified.Float64,
	}
	if row.headID.Valid {
		e.HeadID = row.headID.String
	}
	if row.endTime.Valid {
		v := row.endTime.Float64
		e.EndTime = &v
	}
	if row.deleted.Valid {
		v := row.deleted.Float64
		e.Deleted = &v
	}
	if row.typ.Valid {
		e.Type = row.typ.String
	}
	if row.description.Valid {
		e.Description = row.description.String
	}
	if row.integrity.Valid {
		e.Integrity = row.integrity.String
	}
	if row.createdBy.Valid {
		e.CreatedBy = row.createdBy.String
	}
	if row.modifiedBy.Valid {
		e.ModifiedBy = row.modifiedBy.String
	}
	if row.content.Valid {
		if err := json.Unmarshal([]byte(row.content.String), &e.Content); err != nil {
			return nil, fmt.Errorf("failed to decode content of %s: %w", row.eventID, err)
		}
	}
	if row.clientData.Valid {
		if err := json.Unmarshal([]byte(row.clientData.String), &e.ClientData); err != nil {
			return nil, fmt.Errorf("failed to decode clientData of %s: %w", row.eventID, err)
		}
	}
	if row.attachments.Valid {
		if err := json.Unmarshal([]byte(row.attachments.String), &e.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of %s: %w", row.eventID, err)
		}
	}
	return e, nil
}

func encodeJSONColumn(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func joinStreamIDs(ids []string) string {
	if len(ids) == 0 {
		return events.UniversalTag
	}
	return strings.Join(ids, " ") + " " + events.UniversalTag
}

func splitStreamIDs(joined string) []string {
	tokens := strings.Fields(joined)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == events.UniversalTag {
			continue
		}
		out = append(out, tok)
	}
	return out
}
