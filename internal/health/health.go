package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check reports whether a component is alive.
type Check func() bool

type Status struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message,omitempty"`
	Database   bool            `json:"database,omitempty"`
	Components map[string]bool `json:"components,omitempty"`
}

// HTTPHandler reports service health. A nil db skips the database ping.
// Every check must pass for the service to be healthy.
func HTTPHandler(db Pinger, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		if len(names) > 0 {
			st.Components = make(map[string]bool, len(names))
			for _, name := range names {
				alive := checks[name]()
				st.Components[name] = alive
				if !alive && st.OK {
					st.OK = false
					st.Message = name + " not running"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
