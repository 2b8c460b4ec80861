package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eddielth/sensor-trans/transformer"
)

// DatabaseType is a supported SQL archive
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

const (
	// eventColumns is the insert column list of device_events
	eventColumns = "device_type, snid, gateway_id, data_type, event_id, user_id, payload"
	// insertBatchSize keeps a single insert well below the 65535 bind
	// parameter limit of MySQL and PostgreSQL
	insertBatchSize = 1000
)

// DatabaseStorage is a SQL backed archive
type DatabaseStorage interface {
	Backend
	// InitDatabase creates the archive tables
	InitDatabase() error
}

// NewDatabaseStorage opens the archive for dbType
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// eventRow returns the column values of event in eventColumns order
func eventRow(event transformer.DeviceEvent) ([]any, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serialize event %s failed: %w", event.SNID, err)
	}
	return []any{
		event.DeviceType,
		event.SNID,
		event.GatewayID,
		string(event.DataType),
		event.EventID,
		userColumn(event),
		string(payload),
	}, nil
}

// insertEvents inserts events in batches of insertBatchSize within tx
func insertEvents(ctx context.Context, tx *sql.Tx, events []transformer.DeviceEvent, placeholder func(n int) string) error {
	for _, batch := range chunkEvents(events, insertBatchSize) {
		query, args, err := buildInsert(batch, placeholder)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert events failed: %w", err)
		}
	}
	return nil
}

// chunkEvents splits events into slices of at most size events
func chunkEvents(events []transformer.DeviceEvent, size int) [][]transformer.DeviceEvent {
	chunks := make([][]transformer.DeviceEvent, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		chunks = append(chunks, events[start:min(start+size, len(events))])
	}
	return chunks
}

// userColumn is NULL for events of devices unknown to the inventory
func userColumn(event transformer.DeviceEvent) any {
	if user, ok := event.User(); ok {
		return user
	}
	return nil
}

// buildInsert builds a multi-row insert into device_events. placeholder
// returns the bind marker of the n-th argument, starting at 1.
func buildInsert(events []transformer.DeviceEvent, placeholder func(n int) string) (string, []any, error) {
	const columns = 7

	var (
		sb   strings.Builder
		args = make([]any, 0, len(events)*columns)
	)
	sb.WriteString("INSERT INTO device_events (" + eventColumns + ") VALUES ")

	for i, event := range events {
		row, err := eventRow(event)
		if err != nil {
			return "", nil, err
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(placeholder(len(args) + j + 1))
		}
		sb.WriteByte(')')

		args = append(args, row...)
	}

	return sb.String(), args, nil
}
