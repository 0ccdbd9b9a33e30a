// Package audit keeps the append-only history of record lifecycle events
// and record access.
//
// Records are written after the business transaction commits. A record
// that cannot be written after the retry budget is logged and counted,
// never returned to the caller: losing history must not undo a save.
//
// Every record written during one apply or bulk call carries the same
// operation id, so a history reader can group them.
package audit
