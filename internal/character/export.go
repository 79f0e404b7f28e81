package character

import "time"

// ExportSchemaVersion is written into the export header line.
const ExportSchemaVersion = "1.0"

// ExportHeader is the first line of a JSONL registry export.
// Every following line is one Character.
type ExportHeader struct {
	KizunaExport  bool   `json:"_kizuna_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    string `json:"exported_at"`
	Count         int    `json:"count"`
}

// NewExportHeader returns the header line of an export of count records written at now.
func NewExportHeader(count int, now time.Time) ExportHeader {
	return ExportHeader{
		KizunaExport:  true,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    now.UTC().Format(time.RFC3339),
		Count:         count,
	}
}

// SeedFile is the YAML shape accepted by import:
//
//	characters:
//	  - canonicalName: 火野アキラ
//	    aliases:
//	      - alias: アキラ
//	        contextWords: [隊長]
//	    lastSeenChunk: 14
type SeedFile struct {
	Characters []UpsertInput `yaml:"characters"`
}
