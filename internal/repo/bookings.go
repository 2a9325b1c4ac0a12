package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"agentledger/internal/domain"
)

const bookingColumns = `id, tenant_id, task_id, invoice_id, COALESCE(vendor_id,''), COALESCE(description,''), entry_json, confidence,
validation_passed, matched_pattern_id, status, created_at, updated_at`

func scanBooking(s scanner) (domain.Booking, error) {
	var b domain.Booking
	var entry, status string
	var valid int
	var matched sql.NullString
	if err := s.Scan(&b.ID, &b.TenantID, &b.TaskID, &b.InvoiceID, &b.VendorID, &b.Description, &entry, &b.Confidence,
		&valid, &matched, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(entry), &b.Entry); err != nil {
		return b, fmt.Errorf("decode booking entry %s: %w", b.ID, err)
	}
	b.ValidationPassed = valid == 1
	b.MatchedPatternID = stringPtr(matched)
	b.Status = domain.BookingStatus(status)
	return b, nil
}

// InsertBooking writes a booking unless one already exists for its task.
func (r Repo) InsertBooking(ctx context.Context, tx *sql.Tx, b domain.Booking) (bool, error) {
	entry, err := json.Marshal(b.Entry)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO bookings(id, tenant_id, task_id, invoice_id, vendor_id, description, entry_json, confidence, validation_passed, matched_pattern_id, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO NOTHING`,
		b.ID, b.TenantID, b.TaskID, b.InvoiceID, nullable(b.VendorID), nullable(b.Description), string(entry), b.Confidence,
		boolInt(b.ValidationPassed), nullableStringPtr(b.MatchedPatternID), string(b.Status), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (r Repo) GetBooking(ctx context.Context, tx *sql.Tx, id string) (domain.Booking, error) {
	b, err := scanBooking(r.q(tx).QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) GetBookingByTask(ctx context.Context, tx *sql.Tx, taskID string) (domain.Booking, error) {
	b, err := scanBooking(r.q(tx).QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE task_id=?`, taskID))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) UpdateBookingStatus(ctx context.Context, tx *sql.Tx, id string, status domain.BookingStatus, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bookings SET status=?, updated_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// CorrectBooking stores the corrected entry and marks the booking corrected.
func (r Repo) CorrectBooking(ctx context.Context, tx *sql.Tx, id string, entry domain.Entry, now string) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `UPDATE bookings SET entry_json=?, status='corrected', updated_at=? WHERE id=?`, string(data), now, id)
	return err
}

func (r Repo) ListBookings(ctx context.Context, tenantID, status string, limit int) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertCorrection(ctx context.Context, tx *sql.Tx, c domain.Correction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO corrections(id, tenant_id, review_item_id, booking_id, vendor_id, description, original_account, corrected_account, created_by, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.ReviewItemID, c.BookingID, nullable(c.VendorID), nullable(c.Description), nullable(c.OriginalAccount),
		c.CorrectedAccount, c.CreatedBy, c.CreatedAt)
	return err
}

func (r Repo) GetCorrection(ctx context.Context, tx *sql.Tx, id string) (domain.Correction, error) {
	var c domain.Correction
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, tenant_id, review_item_id, booking_id, COALESCE(vendor_id,''), COALESCE(description,''),
COALESCE(original_account,''), corrected_account, created_by, created_at FROM corrections WHERE id=?`, id).
		Scan(&c.ID, &c.TenantID, &c.ReviewItemID, &c.BookingID, &c.VendorID, &c.Description, &c.OriginalAccount,
			&c.CorrectedAccount, &c.CreatedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}
