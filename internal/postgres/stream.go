package postgres

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/vbp1/replstream/internal/xerrors"
)

// RowHandler вызывается для каждой строки; data содержит значения колонок в виде []any.
// Если handler возвращает ошибку – чтение прекращается и она пробрасывается выше.
type RowHandler func(data []any) error

// Queryer minimal subset of pgxpool.Pool needed for streaming.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StreamRows выполняет запрос и построчно обрабатывает результат через handler.
// Она не загружает весь набор данных в память.
// colsExpected – количество ожидаемых колонок; если 0 – не проверяется.
func StreamRows(ctx context.Context, q Queryer, sql string, args []any, colsExpected int, handler RowHandler) error {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		if colsExpected > 0 && len(vals) != colsExpected {
			slog.Warn("stream: columns mismatch", "have", len(vals), "want", colsExpected)
		}
		if err := handler(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ServerSettings holds the subset of pg_settings a base backup or WAL
// streaming session depends on.
type ServerSettings struct {
	WalLevel            string
	MaxWalSenders       int
	MaxReplicationSlots int
}

// CheckServerSettings reads wal_level, max_wal_senders, and
// max_replication_slots and fails fast with a ConfigError if the server
// cannot support physical replication, rather than letting the client
// discover that partway through a BASE_BACKUP or START_REPLICATION.
func CheckServerSettings(ctx context.Context, q Queryer) (ServerSettings, error) {
	const sql = `SELECT name, setting FROM pg_settings
	             WHERE name IN ('wal_level', 'max_wal_senders', 'max_replication_slots')`

	var s ServerSettings
	err := StreamRows(ctx, q, sql, nil, 2, func(vals []any) error {
		name, _ := vals[0].(string)
		setting, _ := vals[1].(string)
		switch name {
		case "wal_level":
			s.WalLevel = setting
		case "max_wal_senders":
			s.MaxWalSenders, _ = strconv.Atoi(setting)
		case "max_replication_slots":
			s.MaxReplicationSlots, _ = strconv.Atoi(setting)
		}
		return nil
	})
	if err != nil {
		return ServerSettings{}, err
	}

	if s.WalLevel != "replica" && s.WalLevel != "logical" {
		return s, xerrors.NewConfig("wal_level=%q does not support physical replication (need replica or logical)", s.WalLevel)
	}
	if s.MaxWalSenders < 1 {
		return s, xerrors.NewConfig("max_wal_senders=%d, need at least 1", s.MaxWalSenders)
	}
	return s, nil
}
