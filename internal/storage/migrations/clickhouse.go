package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	chstore "dotbot-exec/internal/storage/clickhouse"
)

// RunClickhouseMigrations creates the DSN's database when missing, creates
// the outcome and endpoint snapshot tables and returns a connection to the
// database for the stores.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, error) {
	opts, err := chstore.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	database := opts.Auth.Database
	if database == "" {
		return nil, errors.New("clickhouse dsn names no database")
	}

	stmts, err := clickhouseStatements()
	if err != nil {
		return nil, err
	}

	server, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse server: %w", err)
	}
	err = server.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+quoteIdent(database))
	server.Close()
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", database, err)
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, database)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse database %s: %w", database, err)
	}
	for _, m := range stmts {
		if err := conn.Exec(ctx, m.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply migration %s: %w", m.file, err)
		}
	}
	return conn, nil
}

type statement struct {
	file string
	stmt string
}

// clickhouseStatements reads one statement per embedded file. The native
// protocol executes a single statement per Exec.
func clickhouseStatements() ([]statement, error) {
	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, err
	}
	out := make([]statement, 0, len(files))
	for _, file := range files {
		data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		stmt, err := singleStatement(string(data))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", file, err)
		}
		out = append(out, statement{file: file, stmt: stmt})
	}
	return out, nil
}

// singleStatement strips "--" comment lines and the closing semicolon.
func singleStatement(sql string) (string, error) {
	var lines []string
	for _, line := range strings.Split(sql, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			lines = append(lines, line)
		}
	}
	stmt := strings.TrimSpace(strings.Join(lines, "\n"))
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	switch {
	case stmt == "":
		return "", errors.New("no statement")
	case strings.Contains(stmt, ";"):
		return "", errors.New("more than one statement")
	}
	return stmt, nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}
