package skill

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Signature is one entry of the malware signature table: an exact
// content-hash match, a regex-pattern match, or both.
type Signature struct {
	ID          string
	Name        string
	ContentHash string
	Pattern     *regexp.Regexp
	Severity    Severity
	Description string
}

// Signatures is the configured malware signature table. It is a plain
// slice, not a map, since a candidate must be checked against every entry
// in order and the order itself carries no meaning beyond "first match
// wins" for reporting purposes.
var Signatures []Signature

// GetCodeHash returns the lowercase hex SHA-256 digest of code's UTF-8
// bytes, used both as the signature hash-match key and as the stable
// cache key callers key analyzed-skill results by.
func GetCodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// SignatureRow is the persisted shape a SignatureSource yields: Pattern is
// an uncompiled regex string, compiled once at load time.
type SignatureRow struct {
	ID          string
	Name        string
	ContentHash string
	Pattern     string
	Severity    string
	Description string
}

// SignatureSource is the narrow persistence surface LoadSignatures depends
// on, satisfied by the relational store's enabled malware signature list.
type SignatureSource interface {
	ListEnabledMalwareSignatures() ([]SignatureRow, error)
}

// LoadSignatures populates the package-level Signatures table from src,
// compiling each row's pattern. A row with an invalid pattern is skipped
// with its error collected rather than aborting the whole load, so one bad
// entry does not leave the signature table empty.
func LoadSignatures(src SignatureSource) error {
	rows, err := src.ListEnabledMalwareSignatures()
	if err != nil {
		return fmt.Errorf("loading malware signatures: %w", err)
	}

	loaded := make([]Signature, 0, len(rows))
	var errs []error
	for _, row := range rows {
		sig := Signature{
			ID: row.ID, Name: row.Name, ContentHash: row.ContentHash,
			Severity: Severity(row.Severity), Description: row.Description,
		}
		if row.Pattern != "" {
			pattern, err := regexp.Compile(row.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("signature %s: compiling pattern: %w", row.ID, err))
				continue
			}
			sig.Pattern = pattern
		}
		loaded = append(loaded, sig)
	}

	Signatures = loaded
	if len(errs) > 0 {
		return fmt.Errorf("%d malware signature(s) failed to load: %w", len(errs), errs[0])
	}
	return nil
}

// MatchSignature checks code's hash and content against every configured
// signature, hash first. An invalid (nil) pattern on an entry is skipped
// rather than treated as a match.
func MatchSignature(code string) (Signature, bool) {
	hash := GetCodeHash(code)
	for _, sig := range Signatures {
		if sig.ContentHash != "" && sig.ContentHash == hash {
			return sig, true
		}
	}
	for _, sig := range Signatures {
		if sig.Pattern == nil {
			continue
		}
		if sig.Pattern.MatchString(code) {
			return sig, true
		}
	}
	return Signature{}, false
}
