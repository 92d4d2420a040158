package store

// Empty strings and zero stand for absent values so the UNIQUE constraints
// hold, SQLite treats NULLs as distinct.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL DEFAULT '',
		fqdn TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (ip <> '' OR fqdn <> ''),
		UNIQUE (ip, fqdn)
	)`,
	`CREATE INDEX IF NOT EXISTS hosts_ip ON hosts(ip) WHERE ip <> ''`,
	`CREATE INDEX IF NOT EXISTS hosts_fqdn ON hosts(fqdn) WHERE fqdn <> ''`,

	`CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		port INTEGER NOT NULL DEFAULT 0,
		protocol TEXT NOT NULL DEFAULT '',
		service_name TEXT NOT NULL DEFAULT '',
		source_plugin TEXT NOT NULL,
		product TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		banner TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (host_id, port, protocol, service_name, source_plugin)
	)`,

	`CREATE TABLE IF NOT EXISTS vulns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		refs TEXT NOT NULL DEFAULT '[]',
		source TEXT NOT NULL,
		source_plugin TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS vulns_host ON vulns(host_id)`,
	`CREATE INDEX IF NOT EXISTS vulns_fingerprint ON vulns(service_id, fingerprint)`,

	`CREATE TABLE IF NOT EXISTS evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vuln_id INTEGER NOT NULL REFERENCES vulns(id) ON DELETE CASCADE,
		log_path TEXT NOT NULL DEFAULT '',
		log_type TEXT NOT NULL DEFAULT '',
		data BLOB DEFAULT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS registry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_type TEXT NOT NULL,
		target_value TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		protocol TEXT NOT NULL DEFAULT '',
		host_id INTEGER DEFAULT NULL REFERENCES hosts(id) ON DELETE SET NULL,
		service_id INTEGER DEFAULT NULL REFERENCES services(id) ON DELETE SET NULL,
		source_plugin TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'queued', 'scanned', 'done', 'failed')),
		tags TEXT NOT NULL DEFAULT '[]',
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (target_type, target_value, port, protocol)
	)`,
	`CREATE INDEX IF NOT EXISTS registry_status ON registry(status)`,

	`CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		in_progress BOOLEAN NOT NULL,
		success BOOLEAN DEFAULT NULL,
		report TEXT DEFAULT NULL,
		failure_reason TEXT DEFAULT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT DEFAULT NULL
	)`,
}
