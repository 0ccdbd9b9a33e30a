// Package ir provides the typed field values every other internal package
// exchanges.
//
// ir imports nothing internal. Values are a sealed set: Null, String, Int,
// Float, Bool, Date, DateTime, Ref and RefSet. Caller input of any Go shape
// enters through Coerce; persisted documents go through Encode/Decode.
//
// Key constraints:
//   - Strings compare after NFC normalization
//   - References compare by identity (kind, id), never by handle
//   - Date-times are stored as fixed-width UTC text so lexical order is
//     chronological order
//   - All JSON tags use snake_case
package ir
