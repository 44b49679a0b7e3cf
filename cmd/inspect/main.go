// Command inspect prints the persisted transfer sessions as a table.
// It opens the bridge's Badger directory read-only, so it can run while
// the bridge itself holds the lock.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"

	"camlink/domain"
)

type Config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" default:"/var/lib/camlink/badger"`
}

const sessionPrefix = "session:"

func main() {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		log.Fatal("Config error: ", err)
	}

	dbPath := flag.String("db", config.BadgerFilepath, "Path to badger DB")
	stateFilter := flag.String("state", "", "Only show sessions in this state (queued, streaming, paused, interrupted, completed, aborted)")
	flag.Parse()

	// BypassLockGuard allows opening while the bridge holds the lock.
	opts := badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "Object", "Name", "Mime", "Progress", "State", "Reason", "Created"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	count := 0
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(sessionPrefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()

			err := item.Value(func(v []byte) error {
				var session domain.TransferSession
				if err := json.Unmarshal(v, &session); err != nil {
					// Log and keep scanning instead of stopping the whole dump
					fmt.Printf("Error decoding key %s: %v\n", string(item.Key()), err)
					return nil
				}

				if *stateFilter != "" && session.State.String() != *stateFilter {
					return nil
				}

				// First 8 characters of the UUID keep the table readable
				displayID := session.ID.String()
				if len(displayID) > 8 {
					displayID = displayID[:8]
				}

				reason := ""
				if session.Reason != domain.ReasonNone {
					reason = session.Reason.String()
				}

				table.Append([]string{
					displayID,
					fmt.Sprintf("0x%08x", uint32(session.ObjectID)),
					session.Name,
					session.Mime,
					progress(&session),
					paintState(session.State),
					reason,
					session.CreatedAt.Format("2006-01-02 15:04:05"),
				})
				count++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	table.Render()
	fmt.Printf("\n%d session(s)\n", count)
}

func progress(session *domain.TransferSession) string {
	if session.TotalSize == 0 {
		return "0%"
	}
	percent := float64(session.AckedOffset) / float64(session.TotalSize) * 100
	return fmt.Sprintf("%d/%d (%.1f%%)", session.AckedOffset, session.TotalSize, percent)
}

func paintState(state domain.SessionState) string {
	switch state {
	case domain.Completed:
		return color.Green.Sprint(state.String())
	case domain.Aborted:
		return color.Red.Sprint(state.String())
	case domain.Interrupted:
		return color.Yellow.Sprint(state.String())
	case domain.Streaming:
		return color.Cyan.Sprint(state.String())
	default:
		return state.String()
	}
}
