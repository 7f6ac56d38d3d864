package domain

import "regexp"

// Sync modes. Local keeps everything on this device, selfhosted points at a
// user-managed CouchDB, cloud at the hosted service.
const (
	SyncModeLocal      = "local"
	SyncModeSelfHosted = "selfhosted"
	SyncModeCloud      = "cloud"
)

// SyncSettings describes the remote endpoint handed to the replication
// engine. Persisted opaquely by the settings gateway.
type SyncSettings struct {
	Mode     string `json:"syncMode"`
	URL      string `json:"syncUrl"`
	Username string `json:"syncUsername"`
	Password string `json:"syncPassword"`
	DBName   string `json:"syncDbName"`
}

var dbNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// DefaultSettings is the local-only configuration used until the user saves
// something.
func DefaultSettings() SyncSettings {
	return SyncSettings{
		Mode:     SyncModeLocal,
		URL:      "localhost:5984",
		Username: "admin",
		Password: "admin",
		DBName:   "tasks_db",
	}
}

// SyncEnabled reports whether the settings call for remote replication.
func (s SyncSettings) SyncEnabled() bool { return s.Mode != SyncModeLocal }

// Validate checks field-level constraints before settings are persisted or
// handed to the replication engine. Every offending field is reported at
// once. Local mode needs no remote endpoint, so its checks are skipped.
func (s SyncSettings) Validate() error {
	switch s.Mode {
	case SyncModeLocal:
		return nil
	case SyncModeSelfHosted, SyncModeCloud:
	default:
		return &ValidationError{Fields: []string{"syncMode"}}
	}
	var fields []string
	if s.URL == "" {
		fields = append(fields, "syncUrl")
	}
	if len([]rune(s.Username)) < 2 {
		fields = append(fields, "syncUsername")
	}
	if len([]rune(s.Password)) < 3 {
		fields = append(fields, "syncPassword")
	}
	if !dbNamePattern.MatchString(s.DBName) {
		fields = append(fields, "syncDbName")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
