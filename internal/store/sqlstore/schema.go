package sqlstore

// Dialects understood by Open
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		license_key VARCHAR(64) PRIMARY KEY,
		machine_id_hash VARCHAR(64),
		machine_id_salt VARCHAR(64),
		customer_name VARCHAR(255) NOT NULL,
		hostel_name VARCHAR(255) NOT NULL,
		issue_date VARCHAR(40) NOT NULL,
		expiry_date VARCHAR(40),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		notes TEXT,
		activated_at VARCHAR(40)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_issue_date ON licenses(issue_date)`,
	`CREATE TABLE IF NOT EXISTS admin_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username VARCHAR(64) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		last_login VARCHAR(40),
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until VARCHAR(40)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		license_key VARCHAR(64) PRIMARY KEY,
		machine_id_hash VARCHAR(64),
		machine_id_salt VARCHAR(64),
		customer_name VARCHAR(255) NOT NULL,
		hostel_name VARCHAR(255) NOT NULL,
		issue_date VARCHAR(40) NOT NULL,
		expiry_date VARCHAR(40),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		notes TEXT,
		activated_at VARCHAR(40),
		INDEX idx_licenses_status (status),
		INDEX idx_licenses_issue_date (issue_date)
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS admin_users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		last_login VARCHAR(40),
		failed_login_attempts INT NOT NULL DEFAULT 0,
		locked_until VARCHAR(40)
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci`,
}

// firstAccountInsert inserts only into an empty admin_users table
func firstAccountInsert(dialect string) string {
	from := ""
	if dialect == DialectMySQL {
		from = " FROM DUAL"
	}
	return `INSERT INTO admin_users (username, password_hash, created_at, failed_login_attempts)
		SELECT ?, ?, ?, 0` + from + `
		WHERE NOT EXISTS (SELECT 1 FROM admin_users)`
}
