// Package core provides the component import pipeline.
//
// This package holds all domain logic for turning a takeoff spreadsheet into
// persisted components, independent of any transport or storage driver. It
// can be used by web handlers, CLI tools, or tests without modification.
//
// # Architecture
//
// An import moves through five stages:
//
//   - File Parser: [ParseFile] decodes CSV or spreadsheet bytes into a [RawTable].
//   - Column Mapper: [Mapper] infers a [ColumnMapping] by exact header, alias
//     and fuzzy token match; manual overrides always win.
//   - Row Validator: [RowValidator] checks every row and assigns a [Verdict].
//   - Instance Reconciler: [Reconcile] numbers repeated components per drawing.
//   - Commit Coordinator: [Coordinator] writes components, milestones and
//     audit entries one sub-batch transaction at a time.
//
// [Service] ties the stages to a [Store], a [SessionStore] and an optional
// [FileArchive], and is what the HTTP layer calls.
//
// # Instance Numbering
//
// Components that share an identifier on one drawing are separate physical
// instances. Instance numbers continue from the highest persisted number and
// every instance in the group carries the same total:
//
//	existing: V-201 #1 (total 1)
//	import:   V-201, V-201
//	result:   V-201 #1, #2, #3 (total 3 on all three)
//
// Two imports touching the same drawing serialize on a per-drawing lock held
// for the duration of the sub-batch transaction.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - IMP001-IMP005: Ingestion errors (format, empty, malformed, limits)
//   - MAP001-MAP002: Mapping errors
//   - LCK001, CMT001-CMT004: Commit errors
//   - BAT001-BAT004: Batch and session errors
//   - DB001-DB007: Database errors matched by message text
//
// # Audit Logging
//
// Every committed component gets one IMPORT_COMMIT audit entry written in the
// same transaction, carrying the source line, instance numbering and any
// validation warnings. [Service.BatchAudit] pages them by batch through the
// commit ledger, so history outlives the import session.
package core
