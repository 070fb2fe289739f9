// Package failure maps row and run failures to stable codes with a short
// user-facing message and a suggested action.
//
// # Codes
//
// Database errors (DB001-DB099):
//
//	DB001 - Duplicate key: a row with this tag or key already exists
//	DB003 - Foreign key: referenced record does not exist
//	DB004 - Connection refused: unable to connect to the database
//	DB005 - Connection lost: the database connection was interrupted
//	DB006 - Timeout: the operation timed out
//	DB007 - Deadlock: conflicting writes, the batch was retried
//	DB008 - Required value: a NOT NULL column has no value
//	DB009 - Conversion: the value does not fit the column type
//	DB010 - Too long: the value exceeds the column length
//
// Validation errors (VAL001-VAL099):
//
//	VAL001 - Missing tag
//	VAL002 - Duplicate tag in the sheet or batch
//	VAL003 - Type mismatch for the column type
//	VAL004 - Value under an unmapped header (strict mode)
//	VAL005 - Unknown tag (update-only runs, or an update found no row)
//
// Configuration errors (CFG001-CFG099):
//
//	CFG001 - Mapping source unreadable
//	CFG002 - Mapping sheet or column missing
//	CFG003 - Duplicate mapping
//	CFG004 - Header both mapped and ignored
//	CFG005 - Mapping empty or lacks the tag column
//
// Run errors: RUN001 cancelled. ERR000 is the fallback.
//
// # Pattern Matching
//
// Patterns are matched case-insensitively with strings.Contains. The first
// match wins, so specific patterns come before general ones.
package failure

import (
	"fmt"
	"strings"

	"tagsync/internal/storage"
)

// Message is the user-facing rendition of a failure.
type Message struct {
	Code    string
	Message string
	Action  string
}

func (m Message) String() string {
	if m.Code == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", m.Message, m.Code, m.Action)
}

type pattern struct {
	pattern string
	msg     Message
}

var (
	duplicateKey = Message{"DB001", "A row with this key already exists", "Remove the duplicate or update the existing row"}
	foreignKey   = Message{"DB003", "Referenced record does not exist", "Load the referenced rows first"}
	refused      = Message{"DB004", "Unable to connect to database", "Check the server address and try again"}
	lost         = Message{"DB005", "Database connection was interrupted", "Re-run the import; committed batches are kept"}
	timeout      = Message{"DB006", "Operation timed out", "Try a smaller batch size or try again later"}
	deadlock     = Message{"DB007", "Database was busy with conflicting operations", "Please try again"}
	required     = Message{"DB008", "A required column has no value", "Fill in every required column"}
	conversion   = Message{"DB009", "Value does not fit the column type", "Check the value's format against the column type"}
	tooLong      = Message{"DB010", "Value is longer than the column allows", "Shorten the value"}

	missingTag   = Message{"VAL001", "Tag is missing", "Fill in the tag column"}
	duplicateTag = Message{"VAL002", "Tag appears more than once", "Keep one row per tag"}
	typeMismatch = Message{"VAL003", "Value has the wrong type for its column", "Use a number or date as the column requires"}
	unmapped     = Message{"VAL004", "Value under an unmapped header", "Map the header or move the value"}
	unknownTag   = Message{"VAL005", "Tag does not exist in the database", "Check the tag or allow inserts"}

	cfgUnreadable = Message{"CFG001", "Mapping configuration could not be read", "Check the mapping file path and format"}
	cfgMissing    = Message{"CFG002", "Mapping sheet or column is missing", "Add the required configuration sheet"}
	cfgDuplicate  = Message{"CFG003", "A header or column is mapped twice", "Remove the duplicate mapping"}
	cfgConflict   = Message{"CFG004", "A header is both mapped and ignored", "Remove it from one of the two lists"}
	cfgIncomplete = Message{"CFG005", "Mapping is empty or lacks the tag column", "Map a header to the tag column"}

	cancelled = Message{"RUN001", "Import was cancelled", "Re-run when ready; committed batches are kept"}

	fallback = Message{"ERR000", "An unexpected error occurred", "Check the log file for details"}
)

// patterns is ordered: validation reasons and configuration kinds first,
// then driver messages from specific to general.
var patterns = []pattern{
	{"duplicate tag", duplicateTag},
	{"appears twice in batch", duplicateTag},
	{"missing tag mapping", cfgIncomplete},
	{"missing tag", missingTag},
	{"type mismatch", typeMismatch},
	{"unmapped header", unmapped},
	{"unknown tag", unknownTag},
	{"tag not found", unknownTag},

	{"mapping: unreadable", cfgUnreadable},
	{"mapping: missing sheet", cfgMissing},
	{"mapping: duplicate mapping", cfgDuplicate},
	{"mapping: conflicting ignore", cfgConflict},
	{"mapping: empty mapping", cfgIncomplete},
	{"lacks the tag column", cfgIncomplete},

	{"context canceled", cancelled},
	{"cancelled", cancelled},

	{"duplicate key", duplicateKey},
	{"unique", duplicateKey},
	{"foreign key", foreignKey},
	{"connection refused", refused},
	{"connection reset", lost},
	{"connection lost", lost},
	{"broken pipe", lost},
	{"deadlock", deadlock},
	{"timeout", timeout},
	{"deadline exceeded", timeout},
	{"required column", required},
	{"cannot insert the value null", required},
	{"not null", required},
	{"would be truncated", tooLong},
	{"exceeds column length", tooLong},
	{"value too long", tooLong},
	{"conversion failed", conversion},
	{"incompatible with column type", conversion},
	{"invalid input syntax", conversion},
	{"datatype mismatch", conversion},
}

// byKind is used when no pattern matches.
var byKind = map[storage.Kind]Message{
	storage.ConnectionLost:      lost,
	storage.Transient:           timeout,
	storage.TypeError:           conversion,
	storage.ConstraintViolation: duplicateKey,
}

// Lookup maps a failure's kind and text to a Message.
func Lookup(kind storage.Kind, text string) Message {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p.pattern) {
			return p.msg
		}
	}
	if m, ok := byKind[kind]; ok {
		return m
	}
	return fallback
}

// ForError maps err using storage.Classify for the kind. A nil error maps
// to the zero Message.
func ForError(err error) Message {
	if err == nil {
		return Message{}
	}
	return Lookup(storage.Classify(err), err.Error())
}
