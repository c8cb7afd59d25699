package voting

import (
	"fmt"
	"path"
	"strings"

	"github.com/docmesh/docmesh/pkg/model"
)

// Policy is the local admission predicate a node applies before voting on
// a proposed document. It must be a deterministic function of the document
// metadata; the returned string is the refusal reason, empty when approved.
type Policy func(proposal model.ProposeDocumentRequest) (bool, string)

// ApproveAll admits every proposal.
func ApproveAll(_ model.ProposeDocumentRequest) (bool, string) {
	return true, ""
}

// FingerprintLookup reports whether a content fingerprint is already
// committed locally. Satisfied by the index store.
type FingerprintLookup interface {
	HasFingerprint(fingerprint string) (bool, error)
}

// DefaultPolicy checks size bounds, an optional extension allowlist and
// duplicate fingerprints against the committed index.
func DefaultPolicy(maxSize int64, allowedExtensions []string, lookup FingerprintLookup) Policy {
	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	return func(proposal model.ProposeDocumentRequest) (bool, string) {
		if proposal.Size <= 0 {
			return false, "empty document"
		}
		if maxSize > 0 && proposal.Size > maxSize {
			return false, fmt.Sprintf("document exceeds size cap of %d bytes", maxSize)
		}
		if len(allowed) > 0 {
			ext := strings.ToLower(path.Ext(proposal.Filename))
			if _, ok := allowed[ext]; !ok {
				return false, fmt.Sprintf("extension %q not allowed", ext)
			}
		}
		if lookup != nil && proposal.Fingerprint != "" {
			dup, err := lookup.HasFingerprint(proposal.Fingerprint)
			if err != nil {
				return false, "fingerprint lookup failed"
			}
			if dup {
				return false, "duplicate of a committed document"
			}
		}
		return true, ""
	}
}
