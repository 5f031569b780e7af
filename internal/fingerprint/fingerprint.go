// Package fingerprint computes the content hash of the monitored fields of a row.
//
// The field order and the hash function are part of the stored data: changing
// either changes every fingerprint and requires a resync of the history.
package fingerprint

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/jkaflik/histsync/internal/record"
)

const (
	unitSeparator   = 0x1f
	recordSeparator = 0x1e
)

// Detector fingerprints rows over a fixed, ordered list of monitored fields.
type Detector struct {
	fields []string
}

func New(fields []string) (*Detector, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one monitored field is required")
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("monitored field name is empty")
		}
		if _, ok := seen[f]; ok {
			return nil, fmt.Errorf("monitored field %q listed twice", f)
		}
		seen[f] = struct{}{}
	}
	return &Detector{fields: append([]string(nil), fields...)}, nil
}

// Fields returns the monitored fields in hashing order.
func (d *Detector) Fields() []string {
	return append([]string(nil), d.fields...)
}

// IsMonitored reports whether name is one of the monitored fields.
func (d *Detector) IsMonitored(name string) bool {
	for _, f := range d.fields {
		if f == name {
			return true
		}
	}
	return false
}

// Fingerprint hashes name, 0x1f, JSON value and 0x1e for every monitored
// field in order. Absent fields hash as null.
func (d *Detector) Fingerprint(fields map[string]any) (record.Fingerprint, error) {
	h := xxhash.New()
	for _, name := range d.fields {
		value, err := json.Marshal(fields[name])
		if err != nil {
			return 0, fmt.Errorf("failed to encode monitored field %q: %w", name, err)
		}
		_, _ = h.WriteString(name)
		_, _ = h.Write([]byte{unitSeparator})
		_, _ = h.Write(value)
		_, _ = h.Write([]byte{recordSeparator})
	}
	return record.Fingerprint(h.Sum64()), nil
}

// Monitored returns the monitored subset of fields, with absent fields as nil.
func (d *Detector) Monitored(fields map[string]any) map[string]any {
	out := make(map[string]any, len(d.fields))
	for _, name := range d.fields {
		out[name] = fields[name]
	}
	return out
}

// Detect fingerprints every row.
func (d *Detector) Detect(rows []record.Row) ([]record.Change, error) {
	changes := make([]record.Change, 0, len(rows))
	for _, r := range rows {
		fp, err := d.Fingerprint(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", r.EntityID, err)
		}
		changes = append(changes, record.Change{Row: r, Fingerprint: fp})
	}
	return changes, nil
}
