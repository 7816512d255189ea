package sharing

import "time"

// Manifest is the result of one table query: the file set of a single
// table version plus the metadata it was written with.
type Manifest struct {
	Table    TableRef
	Version  int64
	Protocol Protocol
	Metadata Metadata
	Schema   TableSchema
	Files    []File
}

// NewManifest validates a decoded query response and parses its schema.
func NewManifest(ref TableRef, version int64, resp QueryResponse) (Manifest, error) {
	schema, err := ParseSchema(resp.Metadata.SchemaString)
	if err != nil {
		return Manifest{}, err
	}
	return Manifest{
		Table:    ref,
		Version:  version,
		Protocol: resp.Protocol,
		Metadata: resp.Metadata,
		Schema:   schema,
		Files:    resp.Files,
	}, nil
}

// EarliestExpiry is the first instant at which some URL of the manifest
// stops working. ok is false when no file carries an expiration.
func (m Manifest) EarliestExpiry() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, file := range m.Files {
		expiresAt, ok := file.ExpiresAt()
		if !ok {
			continue
		}
		if !found || expiresAt.Before(earliest) {
			earliest = expiresAt
			found = true
		}
	}
	return earliest, found
}

// TotalSize sums the byte size of every file.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, file := range m.Files {
		total += file.Size
	}
	return total
}
