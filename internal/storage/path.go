package storage

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// PartitionValue is one directory level of a partitioned data file path.
type PartitionValue struct {
	Column string
	Value  string
}

// BuildDataFilePath lays data files out as
// share/schema/table/[col=value/...]part-<version>-<seq>[-<batch>].parquet.
// The batch tag keeps racing publishers of the same version apart.
func BuildDataFilePath(share, schema, table string, partitions []PartitionValue, version int64, sequence int, batch string) (string, error) {
	if err := validatePathComponent(share, "share name"); err != nil {
		return "", err
	}
	if err := validatePathComponent(schema, "schema name"); err != nil {
		return "", err
	}
	if err := validatePathComponent(table, "table name"); err != nil {
		return "", err
	}
	if version < 0 {
		return "", fmt.Errorf("version must be >= 0")
	}
	if sequence < 0 {
		return "", fmt.Errorf("sequence must be >= 0")
	}

	parts := []string{share, schema, table}
	for _, partition := range partitions {
		if err := validatePathComponent(partition.Column, "partition column"); err != nil {
			return "", err
		}
		value := partition.Value
		if value == "" {
			value = "__HIVE_DEFAULT_PARTITION__"
		}
		parts = append(parts, partition.Column+"="+url.PathEscape(value))
	}
	name := fmt.Sprintf("part-%d-%05d", version, sequence)
	if batch != "" {
		if err := validatePathComponent(batch, "batch tag"); err != nil {
			return "", err
		}
		name += "-" + batch
	}
	parts = append(parts, name+".parquet")
	return path.Join(parts...), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
