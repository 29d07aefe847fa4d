package service

import (
	"regexp"
	"time"

	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/model"
)

// appendNote adds a timestamped line to the audit trail. Notes are
// append-only; earlier lines are never rewritten.
func appendNote(t *model.Transaction, note string) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + note
	if t.AdminNotes == "" {
		t.AdminNotes = line
		return
	}
	t.AdminNotes += "\n" + line
}

var noteCodeRe = regexp.MustCompile(`\[([a-z_]+)\]`)

var knownCodes = map[gateway.FailureCode]bool{
	gateway.CodeTimeout:             true,
	gateway.CodeRejected:            true,
	gateway.CodeInsufficientBalance: true,
	gateway.CodeInvalidRecipient:    true,
	gateway.CodeRateLimited:         true,
	gateway.CodeUnknown:             true,
	gateway.CodeOrphanedPayout:      true,
}

// failureCodeFromNotes extracts the most recent failure classification
// recorded in the audit trail, for retry continuity.
func failureCodeFromNotes(notes string) (gateway.FailureCode, bool) {
	matches := noteCodeRe.FindAllStringSubmatch(notes, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		code := gateway.FailureCode(matches[i][1])
		if knownCodes[code] {
			return code, true
		}
	}
	return "", false
}
