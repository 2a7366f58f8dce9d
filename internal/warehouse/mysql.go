package warehouse

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"

	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
)

// ansiQuotes is applied to every mysql session so the double-quoted
// identifiers shared with the other dialects parse.
const ansiQuotes = "CONCAT(@@sql_mode, ',ANSI_QUOTES')"

// mysqlDSN builds a go-sql-driver DSN from cfg, or extends cfg.DSN.
func mysqlDSN(cfg config.DB) (string, error) {
	mc := mysql.NewConfig()
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc = parsed
	} else {
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = cfg.Host
		if cfg.Port != 0 {
			mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		}
		mc.DBName = cfg.Name
	}
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	mc.Params["sql_mode"] = ansiQuotes
	return mc.FormatDSN(), nil
}

// localInfile reports whether the server accepts LOAD DATA LOCAL.
func localInfile(ctx context.Context, conn *sql.Conn) (bool, error) {
	var on int
	if err := conn.QueryRowContext(ctx, "SELECT @@GLOBAL.local_infile").Scan(&on); err != nil {
		return false, fmt.Errorf("read local_infile: %w", err)
	}
	return on == 1, nil
}

var readerSeq atomic.Uint64

// loadDataInserter streams rows through LOAD DATA LOCAL INFILE using a
// registered reader, so nothing touches the client filesystem.
type loadDataInserter struct{}

func (loadDataInserter) Name() string { return "load_data" }

func (loadDataInserter) Insert(ctx context.Context, conn *sql.Conn, table Ident, rows []chemfile.Compound) (int64, error) {
	var body bytes.Buffer
	if err := writeLoadData(&body, rows); err != nil {
		return 0, err
	}
	name := "schembl-" + strconv.FormatUint(readerSeq.Add(1), 10)
	mysql.RegisterReaderHandler(name, func() io.Reader { return &body })
	defer mysql.DeregisterReaderHandler(name)

	res, err := conn.ExecContext(ctx, loadDataStatement(name, table))
	if err != nil {
		return 0, fmt.Errorf("load data into %s: %w", table.Quoted(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return n, nil
}

// loadDataStatement keeps backslashes literal (SMILES use them for bond
// direction) and maps empty structure fields to NULL.
func loadDataStatement(reader string, table Ident) string {
	return `LOAD DATA LOCAL INFILE 'Reader::` + reader + `' INTO TABLE ` + table.Quoted() + `
CHARACTER SET utf8mb4
FIELDS TERMINATED BY '\t' OPTIONALLY ENCLOSED BY '"' ESCAPED BY ''
LINES TERMINATED BY '\n'
(schembl_chem_id, @smiles, @std_inchi, @std_inchikey)
SET smiles = NULLIF(@smiles, ''), std_inchi = NULLIF(@std_inchi, ''), std_inchikey = NULLIF(@std_inchikey, '')`
}

func writeLoadData(w io.Writer, rows []chemfile.Compound) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	for _, c := range rows {
		if err := cw.Write([]string{strconv.FormatInt(c.ID, 10), c.SMILES, c.InChI, c.InChIKey}); err != nil {
			return fmt.Errorf("encode row %d: %w", c.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
