package replconn

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vbp1/replstream/internal/xerrors"
	"github.com/vbp1/replstream/internal/xlog"
)

// SystemIdent is the decoded reply to IDENTIFY_SYSTEM.
type SystemIdent struct {
	SystemID string
	Timeline xlog.Timeline
	XLogPos  xlog.Position
	DBName   string
}

// IdentifySystem issues IDENTIFY_SYSTEM and parses its single-row reply.
func (c *Conn) IdentifySystem() (SystemIdent, error) {
	rs, err := c.simpleQuery("IDENTIFY_SYSTEM")
	if err != nil {
		return SystemIdent{}, err
	}
	if len(rs.Rows) != 1 {
		return SystemIdent{}, xerrors.NewProtocol("IDENTIFY_SYSTEM returned %d rows, want 1", len(rs.Rows))
	}
	row := rs.Rows[0]
	if len(row) < 3 {
		return SystemIdent{}, xerrors.NewProtocol("IDENTIFY_SYSTEM returned %d columns, want >=3", len(row))
	}
	var ident SystemIdent
	ident.SystemID = string(row[0])

	var tli uint64
	if _, err := fmt.Sscanf(string(row[1]), "%d", &tli); err != nil {
		return SystemIdent{}, xerrors.NewProtocol("IDENTIFY_SYSTEM: bad timeline %q", row[1])
	}
	ident.Timeline = xlog.Timeline(tli)

	pos, err := xlog.ParsePosition(string(row[2]))
	if err != nil {
		return SystemIdent{}, err
	}
	ident.XLogPos = pos

	if len(row) >= 4 && row[3] != nil {
		ident.DBName = string(row[3])
	}
	return ident, nil
}

// TablespaceRow is one row of the BASE_BACKUP tablespace manifest.
type TablespaceRow struct {
	SpcOID   string // empty for the main data directory
	Location string // empty for the main data directory
	SizeKB   int64
}

// BaseBackupOptions configures the BASE_BACKUP command.
type BaseBackupOptions struct {
	Label    string
	Progress bool
	Fast     bool
	NoWait   bool
	WAL      bool
}

// buildCommand renders the BASE_BACKUP command string. The label is
// SQL-single-quoted with embedded quotes escaped; boolean flags are
// space-separated tokens appended in a fixed order.
func (o BaseBackupOptions) buildCommand() string {
	var sb strings.Builder
	sb.WriteString("BASE_BACKUP LABEL ")
	sb.WriteString(quoteLiteral(o.Label))
	if o.Progress {
		sb.WriteString(" PROGRESS")
	}
	if o.Fast {
		sb.WriteString(" FAST")
	}
	if o.NoWait {
		sb.WriteString(" NOWAIT")
	}
	if o.WAL {
		sb.WriteString(" WAL")
	}
	return sb.String()
}

// BaseBackupSession is what BaseBackup returns: the tablespace manifest
// plus a WireReader positioned at the start of the first tablespace's
// COPY OUT archive.
type BaseBackupSession struct {
	Tablespaces []TablespaceRow
	Reader      *WireReader
}

// BaseBackup issues BASE_BACKUP, reads the tablespace manifest, and
// leaves the connection positioned to stream the first archive.
func (c *Conn) BaseBackup(opts BaseBackupOptions) (BaseBackupSession, error) {
	sql := opts.buildCommand()

	if err := c.sendQuery(sql); err != nil {
		return BaseBackupSession{}, err
	}

	var rs ResultSet
	var reader *WireReader
readManifest:
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return BaseBackupSession{}, xerrors.NewIo("receive", "", err)
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			rs.Fields = rs.Fields[:0]
			for _, f := range m.Fields {
				rs.Fields = append(rs.Fields, string(f.Name))
			}
		case *pgproto3.DataRow:
			row := make([][]byte, len(m.Values))
			for i, v := range m.Values {
				if v != nil {
					row[i] = append([]byte(nil), v...)
				}
			}
			rs.Rows = append(rs.Rows, row)
		case *pgproto3.CopyOutResponse, *pgproto3.CopyBothResponse:
			reader = &WireReader{conn: c}
			break readManifest
		case *pgproto3.ErrorResponse:
			return BaseBackupSession{}, xerrors.NewServer("%s", m.Message)
		case *pgproto3.NoticeResponse, *pgproto3.CommandComplete:
			continue
		default:
			continue
		}
	}

	tablespaces := make([]TablespaceRow, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if len(row) < 3 {
			return BaseBackupSession{}, xerrors.NewProtocol("BASE_BACKUP manifest row has %d columns, want 3", len(row))
		}
		var t TablespaceRow
		if row[0] != nil {
			t.SpcOID = string(row[0])
		}
		if row[1] != nil {
			t.Location = string(row[1])
		}
		if row[2] != nil {
			if _, err := fmt.Sscanf(string(row[2]), "%d", &t.SizeKB); err != nil {
				return BaseBackupSession{}, xerrors.NewProtocol("BASE_BACKUP manifest row: bad size %q", row[2])
			}
		}
		tablespaces = append(tablespaces, t)
	}

	return BaseBackupSession{Tablespaces: tablespaces, Reader: reader}, nil
}

// StartReplicationOptions configures START_REPLICATION.
type StartReplicationOptions struct {
	Timeline          xlog.Timeline
	Pos               xlog.Position
	ServerHasTimeline bool // whether the server advertises the TIMELINE clause
}

// StartReplication issues START_REPLICATION and returns a WireReader over
// the resulting COPY BOTH stream.
func (c *Conn) StartReplication(opts StartReplicationOptions) (*WireReader, error) {
	var sb strings.Builder
	sb.WriteString("START_REPLICATION ")
	if opts.ServerHasTimeline {
		fmt.Fprintf(&sb, "TIMELINE %d ", uint32(opts.Timeline))
	}
	fmt.Fprintf(&sb, "%s", opts.Pos.String())
	return c.beginCopy(sb.String())
}
