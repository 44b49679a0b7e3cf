package internal

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"

	"camlink/domain"
)

//go:embed inspect.html
var templatesFS embed.FS

type InspectRow struct {
	Key      string
	Object   string
	Name     string
	State    string
	Reason   string
	Progress string
	Client   string
	Updated  string
}

type RowMapper func(key string, val []byte) InspectRow
type StatsProvider func() map[string]any

type PageData struct {
	Prefix string
	Items  []InspectRow
	Stats  map[string]any
}

// StartDebugServer serves a read-only HTML view of the badger store on
// the given port. Rows are decoded by mapper and the header cards come
// from statsProvider.
func StartDebugServer(db *badger.DB, port int, endpoint string, mapper RowMapper, statsProvider StatsProvider) {
	mux := http.NewServeMux()
	tmpl := template.Must(template.ParseFS(templatesFS, "inspect.html"))

	if mapper == nil {
		mapper = SessionMapper
	}

	mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "session:"
		}

		data := PageData{
			Prefix: prefix,
			Stats:  make(map[string]any),
		}

		if statsProvider != nil {
			data.Stats = statsProvider()
		}

		_ = db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				item := it.Item()
				_ = item.Value(func(val []byte) error {
					data.Items = append(data.Items, mapper(string(item.Key()), val))
					return nil
				})
			}
			return nil
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.Execute(w, data)
	})

	go func() {
		_ = http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", port), mux)
	}()
}

// SessionMapper decodes a persisted transfer session into a dashboard row.
func SessionMapper(key string, val []byte) InspectRow {
	row := InspectRow{
		Key:      key,
		Object:   "--------",
		State:    "RAW",
		Progress: "-",
		Updated:  "--:--:--",
	}

	var sess domain.TransferSession
	if err := json.Unmarshal(val, &sess); err != nil {
		row.Name = fmt.Sprintf("%d bytes (undecodable)", len(val))
		return row
	}

	row.Object = fmt.Sprintf("0x%08x", uint32(sess.ObjectID))
	row.Name = sess.Name
	row.State = sess.State.String()
	row.Reason = "-"
	if sess.Reason != domain.ReasonNone {
		row.Reason = sess.Reason.String()
	}
	row.Client = sess.ClientID
	if sess.TotalSize > 0 {
		row.Progress = fmt.Sprintf("%d / %d (%.1f%%)", sess.AckedOffset, sess.TotalSize,
			float64(sess.AckedOffset)*100/float64(sess.TotalSize))
	}
	row.Updated = sess.CreatedAt.Format(time.TimeOnly)
	if !sess.InterruptedAt.IsZero() {
		row.Updated = sess.InterruptedAt.Format(time.TimeOnly)
	}
	return row
}
