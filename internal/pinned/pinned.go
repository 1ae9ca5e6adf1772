package pinned

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"legato/internal/database"
	"legato/pkg/models"
)

// ErrPinNotFound is returned for unknown pin ids.
var ErrPinNotFound = errors.New("pinned item not found")

const pinColumns = `id, item_type, filter_type, filter_value, entity_id, playlist_id,
	display_name, sort_order, date_added`

// Store keeps the user's pinned shortcuts in a dense 0..N-1 order.
type Store struct {
	db *database.Database
}

// NewStore creates a pinned item store.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// Pin adds item at the end of the list. Pinning the same filter or playlist
// again returns the existing pin.
func (s *Store) Pin(ctx context.Context, item models.PinnedItem) (models.PinnedItem, error) {
	if err := normalizeItem(&item); err != nil {
		return models.PinnedItem{}, err
	}

	var pinned models.PinnedItem
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		existing, err := findExisting(tx, item)
		if err == nil {
			pinned = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find existing pin: %w", err)
		}

		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM pinned_items").Scan(&count); err != nil {
			return fmt.Errorf("count pins: %w", err)
		}

		res, err := tx.Exec(`
			INSERT INTO pinned_items (item_type, filter_type, filter_value, entity_id, playlist_id,
				display_name, sort_order, date_added)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ItemType, nullString(item.FilterType), nullString(item.FilterValue),
			item.EntityID, item.PlaylistID, item.DisplayName, count, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert pin: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		pinned, err = scanPin(tx.QueryRow("SELECT "+pinColumns+" FROM pinned_items WHERE id = ?", id))
		return err
	})
	return pinned, err
}

// Unpin removes a pin and closes the gap it leaves.
func (s *Store) Unpin(ctx context.Context, id int64) error {
	return s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM pinned_items WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete pin %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPinNotFound
		}
		return CompactTx(tx)
	})
}

// Move places a pin at index, clamped to the list bounds.
func (s *Store) Move(ctx context.Context, id int64, index int) error {
	return s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		ids, err := orderedIDs(tx)
		if err != nil {
			return err
		}
		from := -1
		for i, pid := range ids {
			if pid == id {
				from = i
				break
			}
		}
		if from < 0 {
			return ErrPinNotFound
		}

		ids = append(ids[:from], ids[from+1:]...)
		index = max(0, min(index, len(ids)))
		ids = append(ids[:index], append([]int64{id}, ids[index:]...)...)
		return writeOrder(tx, ids)
	})
}

// List returns every pin in display order.
func (s *Store) List(ctx context.Context) ([]models.PinnedItem, error) {
	rows, err := s.db.Conn().QueryContext(ctx, "SELECT "+pinColumns+" FROM pinned_items ORDER BY sort_order, id")
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	items := make([]models.PinnedItem, 0)
	for rows.Next() {
		item, err := scanPin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CompactTx renumbers sort_order to 0..N-1 keeping the current order.
func CompactTx(tx *sql.Tx) error {
	ids, err := orderedIDs(tx)
	if err != nil {
		return err
	}
	return writeOrder(tx, ids)
}

func orderedIDs(tx *sql.Tx) ([]int64, error) {
	rows, err := tx.Query("SELECT id FROM pinned_items ORDER BY sort_order, id")
	if err != nil {
		return nil, fmt.Errorf("load pin order: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func writeOrder(tx *sql.Tx, ids []int64) error {
	for i, id := range ids {
		if _, err := tx.Exec("UPDATE pinned_items SET sort_order = ? WHERE id = ? AND sort_order != ?", i, id, i); err != nil {
			return fmt.Errorf("reorder pin %d: %w", id, err)
		}
	}
	return nil
}

func normalizeItem(item *models.PinnedItem) error {
	switch item.ItemType {
	case models.PinLibraryFilter:
		if item.FilterType == "" || item.FilterValue == "" {
			return fmt.Errorf("library filter pin needs a filter type and value")
		}
		item.EntityID, item.PlaylistID = nil, nil
	case models.PinEntity:
		if item.FilterType == "" || item.EntityID == nil {
			return fmt.Errorf("entity pin needs an entity type and id")
		}
		// The entity id doubles as the filter value so repeat pins collide.
		item.FilterValue = strconv.FormatInt(*item.EntityID, 10)
		item.PlaylistID = nil
	case models.PinPlaylist:
		if item.PlaylistID == nil {
			return fmt.Errorf("playlist pin needs a playlist id")
		}
		item.FilterType, item.FilterValue, item.EntityID = "", "", nil
	default:
		return fmt.Errorf("invalid pin type: %q", item.ItemType)
	}
	if item.DisplayName == "" {
		item.DisplayName = item.FilterValue
	}
	return nil
}

func findExisting(tx *sql.Tx, item models.PinnedItem) (models.PinnedItem, error) {
	if item.PlaylistID != nil {
		return scanPin(tx.QueryRow("SELECT "+pinColumns+" FROM pinned_items WHERE playlist_id = ?", *item.PlaylistID))
	}
	return scanPin(tx.QueryRow(
		"SELECT "+pinColumns+" FROM pinned_items WHERE filter_type = ? AND filter_value = ?",
		item.FilterType, item.FilterValue))
}

func scanPin(row interface{ Scan(dest ...any) error }) (models.PinnedItem, error) {
	var (
		item        models.PinnedItem
		filterType  sql.NullString
		filterValue sql.NullString
		entityID    sql.NullInt64
		playlistID  sql.NullInt64
	)
	if err := row.Scan(&item.ID, &item.ItemType, &filterType, &filterValue, &entityID, &playlistID,
		&item.DisplayName, &item.SortOrder, &item.DateAdded); err != nil {
		return models.PinnedItem{}, err
	}
	item.FilterType = filterType.String
	item.FilterValue = filterValue.String
	if entityID.Valid {
		id := entityID.Int64
		item.EntityID = &id
	}
	if playlistID.Valid {
		id := playlistID.Int64
		item.PlaylistID = &id
	}
	return item, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
