// Package fleet tracks the tag and observer rosters.
//
// Rosters are small CSV files edited by operators. They are re-read on
// every access so that adding a tag to the stop list, or an observer to
// the blacklist, takes effect on the next scheduling tick without a
// restart.
package fleet

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	herderrors "github.com/tagherd/tagherd/internal/errors"
)

// Roster reads the fleet CSV files.
//
// observers.csv:  Host,IP
// tags.csv:       tag
// stop_tags.csv:  tag
// blacklist.csv:  Host
type Roster struct {
	ObserverList      string
	TagList           string
	TagStopList       string
	ObserverBlacklist string
}

// NormalizeTagAddr converts a tag hardware address to its canonical
// colon-separated uppercase form. Accepts colon- or dash-separated
// input, or a bare 12-digit hex string.
func NormalizeTagAddr(addr string) (string, error) {
	hex := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(addr)))
	if len(hex) != 12 {
		return "", herderrors.BadAddress(addr)
	}
	for _, c := range hex {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", herderrors.BadAddress(addr)
		}
	}
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = hex[i*2 : i*2+2]
	}
	return strings.Join(parts, ":"), nil
}

// Observers returns the observer name -> address map from the static list.
func (r *Roster) Observers() (map[string]string, error) {
	rows, err := readCSV(r.ObserverList)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, herderrors.New(herderrors.CodeFleetBadList,
				fmt.Sprintf("observer list %s: row needs Host,IP", r.ObserverList))
		}
		out[strings.TrimSpace(row[0])] = strings.TrimSpace(row[1])
	}
	return out, nil
}

// Tags returns the set of tags that should be recording, in canonical form.
func (r *Roster) Tags() (map[string]bool, error) {
	return r.readTagSet(r.TagList)
}

// StopTags returns the set of tags whose recording should be stopped.
// A missing stop list is treated as empty.
func (r *Roster) StopTags() (map[string]bool, error) {
	if _, err := os.Stat(r.TagStopList); os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	return r.readTagSet(r.TagStopList)
}

// Blacklist returns the set of observer names to avoid.
// A missing blacklist is treated as empty.
func (r *Roster) Blacklist() (map[string]bool, error) {
	if _, err := os.Stat(r.ObserverBlacklist); os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	rows, err := readCSV(r.ObserverBlacklist)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		if len(row) > 0 && strings.TrimSpace(row[0]) != "" {
			out[strings.TrimSpace(row[0])] = true
		}
	}
	return out, nil
}

func (r *Roster) readTagSet(path string) (map[string]bool, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		tag, err := NormalizeTagAddr(row[0])
		if err != nil {
			return nil, err
		}
		out[tag] = true
	}
	return out, nil
}

// readCSV reads all data rows of a CSV file, skipping the header row.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, herderrors.Wrap(herderrors.CodeFleetBadList,
			fmt.Sprintf("cannot open roster file %s", path), err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, herderrors.Wrap(herderrors.CodeFleetBadList,
			fmt.Sprintf("cannot parse roster file %s", path), err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}
