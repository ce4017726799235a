package sqlqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect holds the SQL differences between the supported databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	// IDColumn declares the auto-incrementing primary key.
	IDColumn string
	// BlobType stores message bodies.
	BlobType string
	// LockClause is appended to row-claiming subqueries.
	LockClause string
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		Numbered:   true,
		IDColumn:   "BIGSERIAL PRIMARY KEY",
		BlobType:   "BYTEA",
		LockClause: " FOR UPDATE SKIP LOCKED",
	}
	// SQLite needs 3.35 or newer for RETURNING. Writers are serialised by the
	// database lock, so no row locking is needed.
	SQLite = Dialect{
		Name:     "sqlite",
		IDColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
		BlobType: "BLOB",
	}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queries struct {
	schema      []string
	bind        string
	unbind      string
	bindings    string
	countBound  string
	insert      string
	claim       string
	expire      string
	deadLetter  string
	deleteOne   string
	releaseOne  string
	deadLetters string
	replay      string
	purge       string
}

func buildQueries(d Dialect, prefix string) queries {
	t := func(query string) string {
		return d.rebind(strings.ReplaceAll(query, "{p}", prefix))
	}
	return queries{
		schema: []string{
			t(`CREATE TABLE IF NOT EXISTS {p}bindings (
				namespace TEXT NOT NULL,
				queue_name TEXT NOT NULL,
				topic TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (namespace, queue_name, topic)
			)`),
			t(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS {p}messages (
				id %s,
				namespace TEXT NOT NULL,
				queue_name TEXT NOT NULL,
				topic TEXT NOT NULL,
				body %s NOT NULL,
				attributes TEXT NOT NULL,
				published_at BIGINT NOT NULL,
				visible_at BIGINT NOT NULL,
				receive_count INTEGER NOT NULL DEFAULT 0,
				receipt TEXT NOT NULL DEFAULT ''
			)`, d.IDColumn, d.BlobType)),
			t(`CREATE INDEX IF NOT EXISTS {p}messages_ready ON {p}messages (namespace, queue_name, visible_at)`),
			t(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS {p}dead_letters (
				id %s,
				namespace TEXT NOT NULL,
				dead_letter_queue TEXT NOT NULL,
				source_queue TEXT NOT NULL,
				topic TEXT NOT NULL,
				body %s NOT NULL,
				attributes TEXT NOT NULL,
				receive_count INTEGER NOT NULL,
				failed_at BIGINT NOT NULL
			)`, d.IDColumn, d.BlobType)),
		},
		bind:       t(`INSERT INTO {p}bindings (namespace, queue_name, topic, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		unbind:     t(`DELETE FROM {p}bindings WHERE namespace = ? AND queue_name = ?`),
		bindings:   t(`SELECT queue_name, topic FROM {p}bindings WHERE namespace = ?`),
		countBound: t(`SELECT COUNT(*) FROM {p}bindings WHERE namespace = ? AND queue_name = ?`),
		insert: t(`INSERT INTO {p}messages (namespace, queue_name, topic, body, attributes, published_at, visible_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		claim: t(`UPDATE {p}messages SET visible_at = ?, receive_count = receive_count + 1, receipt = ?
			WHERE id IN (
				SELECT id FROM {p}messages
				WHERE namespace = ? AND queue_name = ? AND visible_at <= ?
				ORDER BY id LIMIT ?` + d.LockClause + `
			)
			RETURNING id, topic, body, attributes, receive_count`),
		expire: t(`DELETE FROM {p}messages
			WHERE id IN (
				SELECT id FROM {p}messages
				WHERE namespace = ? AND queue_name = ? AND visible_at <= ? AND receive_count >= ?` + d.LockClause + `
			)
			RETURNING topic, body, attributes, receive_count`),
		deadLetter: t(`INSERT INTO {p}dead_letters (namespace, dead_letter_queue, source_queue, topic, body, attributes, receive_count, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		deleteOne:   t(`DELETE FROM {p}messages WHERE id = ? AND receipt = ?`),
		releaseOne:  t(`UPDATE {p}messages SET visible_at = ?, receipt = '' WHERE id = ? AND receipt = ?`),
		deadLetters: t(`SELECT COUNT(*) FROM {p}dead_letters WHERE namespace = ? AND dead_letter_queue = ?`),
		replay: t(`DELETE FROM {p}dead_letters WHERE namespace = ? AND dead_letter_queue = ?
			RETURNING source_queue, topic, body, attributes`),
		purge: t(`DELETE FROM {p}dead_letters WHERE namespace = ? AND dead_letter_queue = ?`),
	}
}
