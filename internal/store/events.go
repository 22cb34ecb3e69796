package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cap2cal/internal/event"
	"cap2cal/internal/services"
)

const eventColumns = "id, title, kind, start_date, start_time, end_date, end_time, location_raw, raw_context, price_raw, links_json, ticket_direct_link, confidence_score, confidence_issues_json, description_short, description_long, tags_json, location_city, location_address, ticket_probability, ticket_search_query, enrichment_state, enrichment_attempts, enrichment_error, created_at, updated_at, user_id"

// ListFilter narrows List results. Zero values mean no restriction.
type ListFilter struct {
	States []event.EnrichmentState
	Limit  int
}

// ownerScope returns the user a read or reset is restricted to. Callers
// without a user id in ctx (local CLI, enrichment writes) are unscoped.
func ownerScope(ctx context.Context) string {
	user, _ := services.UserIDFromContext(ctx)
	return user
}

// PutSkeletons durably inserts freshly scanned skeletons as pending capture
// events owned by the user in ctx, and returns them. The write commits before
// this returns, so callers may start enrichment as soon as it does.
func (s *Store) PutSkeletons(ctx context.Context, skeletons []event.Skeleton) ([]event.CaptureEvent, error) {
	if len(skeletons) == 0 {
		return nil, nil
	}
	now := s.now()
	owner := ownerScope(ctx)
	events := make([]event.CaptureEvent, 0, len(skeletons))
	for _, sk := range skeletons {
		if strings.TrimSpace(sk.ID) == "" {
			return nil, services.Wrap(services.ErrInput, "store", "put skeletons", "skeleton without id", nil)
		}
		if err := sk.Validate(); err != nil {
			return nil, services.Wrap(services.ErrInput, "store", "put skeletons", sk.ID, err)
		}
		ev := event.NewCaptureEvent(sk)
		ev.Owner = owner
		ev.CreatedAt = now
		ev.UpdatedAt = now
		events = append(events, ev)
	}

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, ev := range events {
			args, err := insertArgs(ev)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("insert skeletons: %w", err)
	}
	for _, ev := range events {
		s.hub.Publish(Change{Kind: ChangeCreated, EventID: ev.ID, State: ev.State.String(), Timestamp: now, Owner: owner})
	}
	return events, nil
}

// Get fetches a capture event by id. It returns nil, nil when none exists or
// when the event belongs to a user other than the one in ctx.
func (s *Store) Get(ctx context.Context, id string) (*event.CaptureEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`
	args := []any{id}
	if owner := ownerScope(ctx); owner != "" {
		query += ` AND user_id = ?`
		args = append(args, owner)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// List returns the caller's events ordered by start date, then creation.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]event.CaptureEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var (
		where []string
		args  []any
	)
	if owner := ownerScope(ctx); owner != "" {
		where = append(where, `user_id = ?`)
		args = append(args, owner)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			placeholders[i] = "?"
			args = append(args, state.String())
		}
		where = append(where, `enrichment_state IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_date, COALESCE(start_time, ''), created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.CaptureEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// ApplyPatch merges an enrichment patch into the event and marks it enriched.
// Only enrichment-owned columns are written; title, dates, and the other
// skeleton columns are never touched.
func (s *Store) ApplyPatch(ctx context.Context, id string, patch event.Patch, attempts int) (*event.CaptureEvent, error) {
	if err := patch.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "store", "apply patch", id, err)
	}
	tags := patch.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	now := s.now()
	res, err := s.execWithRetry(ctx, `UPDATE events
        SET description_short = ?, description_long = ?, tags_json = ?,
            location_city = ?, location_address = ?,
            ticket_probability = ?, ticket_search_query = ?,
            enrichment_state = ?, enrichment_attempts = ?, enrichment_error = NULL,
            updated_at = ?
        WHERE id = ?`,
		patch.Description.Short,
		patch.Description.Long,
		string(tagsJSON),
		patch.Location.City,
		patch.Location.Address,
		patch.TicketAvailableProbability,
		patch.TicketSearchQuery,
		event.StateEnriched.String(),
		attempts,
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return nil, err
	}
	s.hub.Publish(Change{Kind: ChangeEnriched, EventID: id, State: event.StateEnriched.String(), Timestamp: now, Owner: s.ownerOf(ctx, id)})
	return s.Get(ctx, id)
}

// MarkEnrichment records an enrichment state without changing any content.
func (s *Store) MarkEnrichment(ctx context.Context, id string, state event.EnrichmentState, attempts int, lastErr string) error {
	now := s.now()
	res, err := s.execWithRetry(ctx, `UPDATE events
        SET enrichment_state = ?, enrichment_attempts = ?, enrichment_error = ?, updated_at = ?
        WHERE id = ?`,
		state.String(),
		attempts,
		nullableString(lastErr),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark enrichment: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	s.hub.Publish(Change{Kind: ChangeState, EventID: id, State: state.String(), Timestamp: now, Owner: s.ownerOf(ctx, id)})
	return nil
}

// ResetEnrichment moves a finished event back to pending so it can be
// enriched again. Events already pending are rejected since a run may be in
// flight for them; events owned by another user are reported as not found.
func (s *Store) ResetEnrichment(ctx context.Context, id string) (*event.CaptureEvent, error) {
	now := s.now()
	query := `UPDATE events
        SET enrichment_state = ?, enrichment_attempts = 0, enrichment_error = NULL, updated_at = ?
        WHERE id = ? AND enrichment_state != ?`
	args := []any{event.StatePending.String(), now.Format(time.RFC3339Nano), id, event.StatePending.String()}
	if owner := ownerScope(ctx); owner != "" {
		query += ` AND user_id = ?`
		args = append(args, owner)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reset enrichment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reset enrichment: %w", err)
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, services.Wrap(services.ErrNotFound, "store", "reset enrichment", id, nil)
		}
		return nil, services.Wrap(services.ErrValidation, "store", "reset enrichment", "event "+id+" is already pending", nil)
	}
	s.hub.Publish(Change{Kind: ChangeState, EventID: id, State: event.StatePending.String(), Timestamp: now, Owner: s.ownerOf(ctx, id)})
	return s.Get(ctx, id)
}

// Subscribe returns changes after since to events visible to the caller. With
// wait set it long-polls until such a change arrives or ctx ends.
func (s *Store) Subscribe(ctx context.Context, since uint64, limit int, wait bool) ([]Change, uint64, error) {
	return s.hub.FetchOwned(ctx, ownerScope(ctx), since, limit, wait)
}

// ownerOf reads the owner of id regardless of the caller's scope.
func (s *Store) ownerOf(ctx context.Context, id string) string {
	var owner string
	if err := s.db.QueryRowContext(ctx, `SELECT user_id FROM events WHERE id = ?`, id).Scan(&owner); err != nil {
		return ""
	}
	return owner
}

func requireRow(res interface{ RowsAffected() (int64, error) }, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "update event", id, nil)
	}
	return nil
}

func insertArgs(ev event.CaptureEvent) ([]any, error) {
	links, err := json.Marshal(nonNil(ev.Links))
	if err != nil {
		return nil, fmt.Errorf("marshal links: %w", err)
	}
	issues, err := json.Marshal(nonNil(ev.Confidence.Issues))
	if err != nil {
		return nil, fmt.Errorf("marshal issues: %w", err)
	}
	tags, err := json.Marshal(nonNil(ev.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	var endDate, endTime any
	if ev.End != nil {
		endDate = nullableString(ev.End.Date)
		endTime = nullableString(ev.End.Time)
	}
	return []any{
		ev.ID,
		ev.Title,
		nullableString(ev.Kind),
		ev.Start.Date,
		nullableString(ev.Start.Time),
		endDate,
		endTime,
		nullableString(ev.LocationRaw),
		nullableString(ev.RawContext),
		nullableString(ev.PriceRaw),
		string(links),
		nullableString(ev.TicketDirectLink),
		ev.Confidence.Score,
		string(issues),
		ev.Description.Short,
		ev.Description.Long,
		string(tags),
		ev.Location.City,
		ev.Location.Address,
		ev.TicketAvailableProbability,
		ev.TicketSearchQuery,
		ev.State.String(),
		ev.EnrichAttempts,
		nullableString(ev.EnrichError),
		ev.CreatedAt.Format(time.RFC3339Nano),
		ev.UpdatedAt.Format(time.RFC3339Nano),
		ev.Owner,
	}, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*event.CaptureEvent, error) {
	var (
		ev               event.CaptureEvent
		kind             sql.NullString
		startTime        sql.NullString
		endDate          sql.NullString
		endTime          sql.NullString
		locationRaw      sql.NullString
		rawContext       sql.NullString
		priceRaw         sql.NullString
		linksJSON        string
		ticketDirectLink sql.NullString
		issuesJSON       string
		tagsJSON         string
		stateRaw         string
		enrichError      sql.NullString
		createdRaw       string
		updatedRaw       string
	)
	if err := scanner.Scan(
		&ev.ID,
		&ev.Title,
		&kind,
		&ev.Start.Date,
		&startTime,
		&endDate,
		&endTime,
		&locationRaw,
		&rawContext,
		&priceRaw,
		&linksJSON,
		&ticketDirectLink,
		&ev.Confidence.Score,
		&issuesJSON,
		&ev.Description.Short,
		&ev.Description.Long,
		&tagsJSON,
		&ev.Location.City,
		&ev.Location.Address,
		&ev.TicketAvailableProbability,
		&ev.TicketSearchQuery,
		&stateRaw,
		&ev.EnrichAttempts,
		&enrichError,
		&createdRaw,
		&updatedRaw,
		&ev.Owner,
	); err != nil {
		return nil, err
	}

	ev.Kind = kind.String
	ev.Start.Time = startTime.String
	if endDate.Valid {
		ev.End = &event.DateTime{Date: endDate.String, Time: endTime.String}
	}
	ev.LocationRaw = locationRaw.String
	ev.RawContext = rawContext.String
	ev.PriceRaw = priceRaw.String
	ev.TicketDirectLink = ticketDirectLink.String
	ev.EnrichError = enrichError.String
	if err := decodeList(linksJSON, &ev.Links); err != nil {
		return nil, fmt.Errorf("event %s links: %w", ev.ID, err)
	}
	if err := decodeList(issuesJSON, &ev.Confidence.Issues); err != nil {
		return nil, fmt.Errorf("event %s issues: %w", ev.ID, err)
	}
	if err := decodeList(tagsJSON, &ev.Tags); err != nil {
		return nil, fmt.Errorf("event %s tags: %w", ev.ID, err)
	}
	state, err := event.ParseState(stateRaw)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.State = state
	ev.CreatedAt = parseTime(createdRaw)
	ev.UpdatedAt = parseTime(updatedRaw)
	return &ev, nil
}

func decodeList(raw string, dest *[]string) error {
	*dest = []string{}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return err
	}
	if *dest == nil {
		*dest = []string{}
	}
	return nil
}

func parseTime(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
