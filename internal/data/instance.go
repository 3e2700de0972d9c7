package data

import "fmt"

// DataInstance identifies one exact version of a logical data item. The
// renaming is the only identifier that crosses component boundaries and is
// treated as an opaque, globally unique token.
type DataInstance struct {
	DataID    int    `json:"data_id"`
	VersionID int    `json:"version_id"`
	Renaming  string `json:"renaming"`
}

func (d DataInstance) String() string {
	return fmt.Sprintf("d%dv%d", d.DataID, d.VersionID)
}

// IsZero reports whether d is the zero instance.
func (d DataInstance) IsZero() bool {
	return d.Renaming == ""
}

func renaming(dataID, versionID int, stamp string) string {
	return fmt.Sprintf("d%dv%d_%s", dataID, versionID, stamp)
}
