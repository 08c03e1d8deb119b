// Package sonar mirrors the platform's configuration object graph:
// projects, portfolios, applications, quality gates and profiles, users,
// groups and global settings. Every object resolves through the shared
// cache so one remote entity never has two diverging in-memory
// representatives; services enumerate and construct, objects carry the
// mutable payload and their own lazily loaded derived fields.
package sonar

import (
	"context"
	"strings"
	"time"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Object type names. They key the cache, label metrics and are the words
// the audit/export "what" selectors accept.
const (
	TypeProject        = "project"
	TypePortfolio      = "portfolio"
	TypeApplication    = "application"
	TypeQualityGate    = "qualitygate"
	TypeQualityProfile = "qualityprofile"
	TypeUser           = "user"
	TypeGroup          = "group"
	TypeSettings       = "settings"
)

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Object is the capability set every remote object provides.
type Object interface {
	Key() string
	Name() string
	ObjectType() string
	Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error)
	Export(ctx context.Context) (interface{}, error)
}

// base carries the identity every object shares: key, display name and
// the endpoint it lives on. Nothing else; mutable payload belongs to the
// concrete types.
type base struct {
	key    string
	name   string
	client *client.Client
}

func (b *base) Key() string { return b.key }

func (b *base) Name() string {
	if b.name == "" {
		return b.key
	}
	return b.name
}

// searchPageSize is the page size used on list endpoints. 500 is the
// platform maximum.
const searchPageSize = 500

// timeLayout is the platform's timestamp format: RFC 3339 with a
// colon-less zone offset.
const timeLayout = "2006-01-02T15:04:05-0700"

// parseTime reads a platform timestamp, returning the zero time for
// empty or malformed values.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// ageDays returns the full days elapsed since t.
func ageDays(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return int(time.Since(t).Hours() / 24)
}

// formatTime renders a timestamp for export payloads, empty when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// containsFold is a case-insensitive substring test.
func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToUpper(haystack), strings.ToUpper(needle))
}

// auditBatch builds one audit task per object.
func auditBatch(objects []Object, settings *config.AuditSettings) []audit.Task {
	tasks := make([]audit.Task, 0, len(objects))
	for _, obj := range objects {
		o := obj
		tasks = append(tasks, audit.Task{
			Key: o.Key(),
			Run: func(ctx context.Context) ([]audit.Problem, error) {
				return o.Audit(ctx, settings)
			},
		})
	}
	return tasks
}
