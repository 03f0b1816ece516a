// Package domain models raw disaster reports and the deduplicated master
// events derived from them.
//
// # Data Sources
//
// Raw reports are pushed onto the staging topic by independent fetchers:
// seismic catalogs (USGS-style), humanitarian databases (EM-DAT-style), and
// ad-hoc web extraction. All fetchers publish the same flat JSON record shape
// ([RawReport]); the fields they can fill vary wildly in quality, which is why
// every parser in this package is total and tolerant.
//
// # Source Conventions
//
// Reported time:
//
//	ISO-8601 date ("2025-11-06") or datetime ("2025-11-06T14:30:00Z").
//	Web-extracted reports may instead carry a relative marker of the form
//	"RELATIVE:today" or "RELATIVE:yesterday", resolved against the processing
//	clock at midnight UTC. Anything else fails with [ErrUnparsableTime] and
//	the report is rejected.
//
// Economic loss:
//
//	A bare integer ("1000") or a number with a single-letter magnitude suffix:
//	K = 10^3, M = 10^6, B = 10^9, case-insensitive ("10.5M" = 10,500,000 USD).
//	Sources routinely supply garbage here, so malformed input yields "no
//	value" rather than an error.
//
// Disaster type:
//
//	Free text, classified into a (group, type, subtype) triple by a fixed
//	synonym table following the EM-DAT taxonomy, e.g. "flash flooding" →
//	Hydrological/Flood/Flash Flood. Unknown text maps to the Unknown group
//	with the original text preserved as the type.
//
// Magnitude:
//
//	Value plus unit when the source supplies one (Richter, km/h, m). When a
//	source supplies a bare number the unit is inferred from the disaster
//	type; see [InferMagnitudeUnit].
//
// # Deduplication
//
// Two reports describe the same real-world event when they share a
// classification, their times fall strictly within the temporal window of
// each other, and (when both are geocoded) their locations fall within the
// spatial radius. The engine in internal/dedup merges such reports into a
// single master event with provenance links back to every contributing
// source; this package only supplies the value types and pure parsing.
package domain
