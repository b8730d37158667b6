package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// Lifecycle events
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	// One row per chat completion, with the rendered prompt and raw output
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		req_id TEXT,
		source TEXT,
		client_key TEXT,
		model TEXT,
		template TEXT,
		mode TEXT,
		stream INTEGER,
		formatted_prompt TEXT,
		response_text TEXT,
		finish_reason TEXT,
		tool_calls INTEGER,
		tokens_in INTEGER,
		tokens_out INTEGER,
		dur_ms REAL,
		status TEXT,
		error TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create requests table: %w", err)
	}

	return &DB{db}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(ts float64) time.Time {
	return time.Unix(0, int64(ts*1e9))
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) error {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, err := db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		unixSeconds(time.Now()), level, code, msg, m)
	return err
}

// ReqRow mirrors one row of the requests table
type ReqRow struct {
	Start           time.Time
	ReqID           string
	Source          string
	ClientKey       string
	Model           string
	Template        string
	Mode            string
	Stream          bool
	FormattedPrompt string
	ResponseText    string
	FinishReason    string
	ToolCalls       int
	TokensIn        int
	TokensOut       int
	Duration        time.Duration
	Status          string
	Error           string
}

func (db *DB) Req(r ReqRow) error {
	_, err := db.Exec(`INSERT INTO requests(
		ts, req_id, source, client_key, model, template, mode, stream, formatted_prompt, response_text,
		finish_reason, tool_calls, tokens_in, tokens_out, dur_ms, status, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		unixSeconds(r.Start), r.ReqID, r.Source, r.ClientKey, r.Model, r.Template, r.Mode, r.Stream,
		r.FormattedPrompt, r.ResponseText, r.FinishReason, r.ToolCalls, r.TokensIn, r.TokensOut,
		float64(r.Duration.Microseconds())/1000, r.Status, r.Error)
	return err
}

// RecentReqs returns the newest rows first
func (db *DB) RecentReqs(limit int) ([]ReqRow, error) {
	rows, err := db.Query(`SELECT ts, req_id, source, client_key, model, template, mode, stream, formatted_prompt,
		response_text, finish_reason, tool_calls, tokens_in, tokens_out, dur_ms, status, error
		FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReqRow
	for rows.Next() {
		var r ReqRow
		var ts, durMs float64
		if err := rows.Scan(&ts, &r.ReqID, &r.Source, &r.ClientKey, &r.Model, &r.Template, &r.Mode, &r.Stream,
			&r.FormattedPrompt, &r.ResponseText, &r.FinishReason, &r.ToolCalls, &r.TokensIn, &r.TokensOut,
			&durMs, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		r.Start = fromUnixSeconds(ts)
		r.Duration = time.Duration(durMs * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
}
