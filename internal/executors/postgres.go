package executors

import (
	"context"
	"fmt"
	"strings"

	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gl "gorm.io/gorm/logger"

	"github.com/noetl/noetl/internal/domain"
)

// PostgresExecutor runs one SQL statement against a target database named by
// credential data or config. Queries return rows; other statements return the
// affected row count.
type PostgresExecutor struct{}

func NewPostgresExecutor() *PostgresExecutor { return &PostgresExecutor{} }

func (e *PostgresExecutor) Type() string { return domain.StepTypePostgres }

func (e *PostgresExecutor) Execute(ctx context.Context, config map[string]any, auth map[string]map[string]any, _ Reporter) (any, error) {
	stmt, _ := config["sql"].(string)
	if strings.TrimSpace(stmt) == "" {
		stmt, _ = config["command"].(string)
	}
	if strings.TrimSpace(stmt) == "" {
		return nil, Permanentf(domain.FailurePermanent, "postgres action missing sql")
	}
	dsn := resolveDSN(config, auth)
	if dsn == "" {
		return nil, Permanentf(domain.FailureAuthError, "postgres action has no connection target")
	}

	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: gl.Default.LogMode(gl.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	var args []any
	if raw, ok := config["args"].([]any); ok {
		args = raw
	}

	if isQuery(stmt) {
		var rows []map[string]any
		if err := db.WithContext(ctx).Raw(stmt, args...).Scan(&rows).Error; err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows, "row_count": len(rows)}, nil
	}
	res := db.WithContext(ctx).Exec(stmt, args...)
	if res.Error != nil {
		return nil, res.Error
	}
	return map[string]any{"rows_affected": res.RowsAffected}, nil
}

func isQuery(stmt string) bool {
	head := strings.ToLower(strings.TrimSpace(stmt))
	return strings.HasPrefix(head, "select") || strings.HasPrefix(head, "with") ||
		strings.HasPrefix(head, "show") || strings.HasPrefix(head, "explain")
}

// resolveDSN prefers credential material over inline config so connection
// secrets stay out of playbooks.
func resolveDSN(config map[string]any, auth map[string]map[string]any) string {
	for _, data := range auth {
		if dsn, ok := data["dsn"].(string); ok && dsn != "" {
			return dsn
		}
		if host, ok := data["host"].(string); ok && host != "" {
			return dsnFromParts(data)
		}
	}
	if dsn, ok := config["dsn"].(string); ok {
		return dsn
	}
	return ""
}

func dsnFromParts(data map[string]any) string {
	get := func(key, def string) string {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
		return def
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		get("host", "localhost"), portString(data["port"]), get("username", get("user", "postgres")),
		get("password", ""), get("dbname", get("database", "postgres")), get("sslmode", "disable"))
}

func portString(v any) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	}
	return "5432"
}
